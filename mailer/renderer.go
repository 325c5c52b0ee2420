package mailer

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/flosch/pongo2/v6"
	goerrors "github.com/goliatone/go-errors"

	auth "github.com/goliatone/go-auth-lifecycle"
)

//go:embed templates
var templatesFS embed.FS

// Templates lists the identifiers every renderer must provide.
var Templates = []auth.TemplateID{
	auth.TemplateActivateAccount,
	auth.TemplateChangeEmail,
	auth.TemplateChangePassword,
	auth.TemplateResetPassword,
}

// Message is a rendered email, ready for a Sender.
type Message struct {
	To       string          `json:"to"`
	Template auth.TemplateID `json:"template"`
	Subject  string          `json:"subject"`
	Text     string          `json:"text"`
	HTML     string          `json:"html,omitempty"`
}

type templateSet struct {
	subject *pongo2.Template
	text    *pongo2.Template
	html    *pongo2.Template
}

// Renderer turns a template id and its variables into a Message.
type Renderer struct {
	templates map[auth.TemplateID]templateSet
	globals   pongo2.Context
}

// NewRenderer compiles the embedded templates. globals are merged into
// the variables of every render, e.g. app_name or a base URL.
func NewRenderer(globals map[string]any) (*Renderer, error) {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, err
	}
	return NewRendererFS(sub, globals)
}

// NewRendererFS compiles templates from fsys. Each template id needs a
// <id>.subject and a <id>.txt file, <id>.html is optional.
func NewRendererFS(fsys fs.FS, globals map[string]any) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[auth.TemplateID]templateSet, len(Templates)),
		globals:   pongo2.Context{},
	}
	r.globals.Update(globals)

	for _, id := range Templates {
		set, err := compileSet(fsys, id)
		if err != nil {
			return nil, err
		}
		r.templates[id] = set
	}
	return r, nil
}

func compileSet(fsys fs.FS, id auth.TemplateID) (templateSet, error) {
	var set templateSet
	var err error

	if set.subject, err = compile(fsys, string(id)+".subject", false, true); err != nil {
		return set, err
	}
	if set.text, err = compile(fsys, string(id)+".txt", false, true); err != nil {
		return set, err
	}
	if set.html, err = compile(fsys, string(id)+".html", true, false); err != nil {
		return set, err
	}
	return set, nil
}

func compile(fsys fs.FS, name string, escape, required bool) (*pongo2.Template, error) {
	src, err := fs.ReadFile(fsys, name)
	if err != nil {
		if !required {
			return nil, nil
		}
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	body := string(src)
	if !escape {
		body = "{% autoescape off %}" + body + "{% endautoescape %}"
	}

	tpl, err := pongo2.FromString(body)
	if err != nil {
		return nil, fmt.Errorf("compile template %s: %w", name, err)
	}
	return tpl, nil
}

// Render executes the template set registered under id.
func (r *Renderer) Render(to string, id auth.TemplateID, vars map[string]any) (*Message, error) {
	set, ok := r.templates[id]
	if !ok {
		return nil, renderFailure(fmt.Errorf("unknown template %q", id), id)
	}

	ctx := pongo2.Context{}
	ctx.Update(r.globals)
	ctx.Update(vars)

	msg := &Message{To: to, Template: id}

	subject, err := set.subject.Execute(ctx)
	if err != nil {
		return nil, renderFailure(err, id)
	}
	msg.Subject = strings.TrimSpace(subject)

	if msg.Text, err = set.text.Execute(ctx); err != nil {
		return nil, renderFailure(err, id)
	}

	if set.html != nil {
		if msg.HTML, err = set.html.Execute(ctx); err != nil {
			return nil, renderFailure(err, id)
		}
	}
	return msg, nil
}

func renderFailure(err error, id auth.TemplateID) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to render email").
		WithCode(goerrors.CodeInternal).
		WithTextCode(auth.TextCodeTemplateOrDelivery).
		WithMetadata(map[string]any{"template": string(id)})
}
