package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RegisterResult is the outcome of a registration. Warning is set when
// the account was created but the activation email could not be sent.
type RegisterResult struct {
	User    *User
	Warning error
}

// Register creates an unverified account and sends its activation code.
func (e *Engine) Register(ctx context.Context, msg RegisterUserMessage) (*RegisterResult, error) {
	var res *RegisterResult
	next := msg.OnResponse
	msg.OnResponse = func(r *RegisterResult) {
		res = r
		if next != nil {
			next(r)
		}
	}

	if err := NewRegisterUserHandler(e).Execute(ctx, msg); err != nil {
		return nil, err
	}
	return res, nil
}

// RegisterUserHandler creates self service accounts.
type RegisterUserHandler struct {
	engine *Engine
}

func NewRegisterUserHandler(engine *Engine) *RegisterUserHandler {
	return &RegisterUserHandler{engine: engine}
}

func (h *RegisterUserHandler) Execute(ctx context.Context, msg RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "user registration")
	default:
		res, err := h.engine.register(ctx, msg)
		if err != nil {
			return err
		}
		if msg.OnResponse != nil {
			msg.OnResponse(res)
		}
		return nil
	}
}

func (e *Engine) register(ctx context.Context, msg RegisterUserMessage) (*RegisterResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	hash, err := e.passwords.HashPassword(msg.Password)
	if err != nil {
		if errors.Is(err, ErrNoEmptyString) {
			return nil, ErrNoEmptyString
		}
		return nil, transientFailure(err, "failed to hash password")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ttl := e.verificationTTL(TokenTypeActivateAccount)
	user := &User{
		ID:           uuid.New(),
		FirstName:    strings.TrimSpace(msg.FirstName),
		LastName:     strings.TrimSpace(msg.LastName),
		Email:        NormalizeEmail(msg.Email),
		PasswordHash: hash,
		Active:       true,
		Verified:     false,
	}

	var code string
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		taken, err := e.repo.Users().EmailTakenTx(ctx, tx, user.Email, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return ErrEmailTaken
		}

		roles, err := e.resolveRolesTx(ctx, tx, msg.Roles)
		if err != nil {
			return err
		}

		if user, err = e.repo.Users().RegisterTx(ctx, tx, user, roles); err != nil {
			return err
		}

		code, err = e.repo.VerificationTokens().CreateTx(ctx, tx, &user.ID, TokenTypeActivateAccount, ttl, "")
		return err
	})
	if err != nil {
		return nil, transientFailure(err, "user registration transaction failed")
	}

	e.record(ctx, ActivityEventUserRegistered, user.ID.String(), user.ID.String(), map[string]any{
		"roles": user.RoleNames(),
	})

	result := &RegisterResult{User: user}
	result.Warning = e.sendNow(ctx, user.ID.String(), user.Email, TemplateActivateAccount, e.mailVars(user, code, ttl))

	return result, nil
}

// resolveRolesTx maps role names to rows, creating missing ones. An
// empty list resolves to the default role.
func (e *Engine) resolveRolesTx(ctx context.Context, tx bun.IDB, names []string) ([]*Role, error) {
	if len(names) == 0 {
		names = []string{DefaultRole.String()}
	}

	out := make([]*Role, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		canonical := CanonicalRoleName(name)
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true

		role, err := e.repo.Roles().GetOrCreateTx(ctx, tx, canonical)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}
