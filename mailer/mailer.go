// Package mailer renders and delivers the account emails sent by the
// auth engine.
//
// A Mailer renders a template into a Message and hands it to a Sender.
// Senders deliver over SMTP, publish to an AMQP queue for a
// QueueConsumer to deliver later, or only log the message.
package mailer

import (
	"context"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// Sender delivers a rendered message.
type Sender interface {
	Deliver(ctx context.Context, msg *Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *Message) error

// Deliver implements Sender.
func (f SenderFunc) Deliver(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Mailer implements auth.Mailer on top of a Renderer and a Sender.
type Mailer struct {
	renderer *Renderer
	sender   Sender
	logger   auth.Logger
}

var _ auth.Mailer = (*Mailer)(nil)

func New(renderer *Renderer, sender Sender) *Mailer {
	return &Mailer{
		renderer: renderer,
		sender:   sender,
		logger:   auth.ResolveLogger("auth:mailer", nil, nil),
	}
}

func (m *Mailer) WithLogger(logger auth.Logger) *Mailer {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Send renders template for to and delivers it.
func (m *Mailer) Send(ctx context.Context, to string, template auth.TemplateID, vars map[string]any) error {
	msg, err := m.renderer.Render(to, template, vars)
	if err != nil {
		m.logger.Error("email render failed", "template", string(template), "error", err)
		return err
	}

	if err := m.sender.Deliver(ctx, msg); err != nil {
		return err
	}

	m.logger.Debug("email delivered", "template", string(template), "to", to)
	return nil
}
