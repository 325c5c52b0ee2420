package auth

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// RequestPasswordReset sends a reset code when the address belongs to an
// active account. The result never reveals whether it does.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	return NewInitializePasswordResetHandler(e).Execute(ctx, InitializePasswordResetMessage{Email: email})
}

// InitializePasswordResetHandler issues reset codes.
type InitializePasswordResetHandler struct {
	engine *Engine
}

func NewInitializePasswordResetHandler(engine *Engine) *InitializePasswordResetHandler {
	return &InitializePasswordResetHandler{engine: engine}
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, msg InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "password reset request")
	default:
		return h.engine.requestPasswordReset(ctx, msg.Email)
	}
}

func (e *Engine) requestPasswordReset(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.repo.Users().FindByEmailTx(ctx, e.repo.DB(), email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.logger.Debug("password reset requested for unknown email")
			return nil
		}
		return transientFailure(err, "failed to look up user")
	}

	if !user.Active {
		e.logger.Debug("password reset requested for disabled account", "user_id", user.ID)
		return nil
	}

	ttl := e.verificationTTL(TokenTypeResetPassword)

	var code string
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := e.repo.VerificationTokens().InvalidatePendingTx(ctx, tx, user.ID, TokenTypeResetPassword); err != nil {
			return err
		}
		var err error
		code, err = e.repo.VerificationTokens().CreateTx(ctx, tx, &user.ID, TokenTypeResetPassword, ttl, "")
		return err
	})
	if err != nil {
		return transientFailure(err, "failed to issue reset code")
	}

	uid := user.ID.String()
	e.record(ctx, ActivityEventPasswordResetRequest, uid, uid, nil)
	e.sendAsync(ctx, uid, user.Email, TemplateResetPassword, e.mailVars(user, code, ttl))
	return nil
}
