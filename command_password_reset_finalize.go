package auth

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// ResetPassword consumes a reset code, stores the new password and
// revokes every session of the account in the same transaction.
func (e *Engine) ResetPassword(ctx context.Context, msg ResetPasswordMessage) error {
	return NewFinalizePasswordResetHandler(e).Execute(ctx, msg)
}

// FinalizePasswordResetHandler consumes reset codes.
type FinalizePasswordResetHandler struct {
	engine *Engine
}

func NewFinalizePasswordResetHandler(engine *Engine) *FinalizePasswordResetHandler {
	return &FinalizePasswordResetHandler{engine: engine}
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, msg ResetPasswordMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "password reset finalization")
	default:
		return h.engine.resetPassword(ctx, msg)
	}
}

func (e *Engine) resetPassword(ctx context.Context, msg ResetPasswordMessage) error {
	if err := msg.Validate(); err != nil {
		return validationFailure(err)
	}

	passwordHash, err := e.passwords.HashPassword(msg.Password)
	if err != nil {
		if errors.Is(err, ErrNoEmptyString) {
			return ErrNoEmptyString
		}
		return transientFailure(err, "failed to hash password")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		result  ConsumeResult
		revoked int64
	)
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = e.repo.VerificationTokens().ConsumeTx(ctx, tx, msg.Code, TokenTypeResetPassword)
		if err != nil {
			return err
		}
		if !result.OK() || result.Token.UserID == nil {
			return ErrInvalidOrExpiredCode
		}

		userID := *result.Token.UserID
		if err := e.repo.Users().UpdatePasswordTx(ctx, tx, userID, passwordHash); err != nil {
			return err
		}

		revoked, err = e.repo.RefreshTokens().RevokeAllTx(ctx, tx, userID)
		return err
	})

	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidOrExpiredCode
		}
		return transientFailure(err, "failed to finalize password reset")
	}

	uid := result.Token.UserID.String()
	e.record(ctx, ActivityEventPasswordResetSuccess, uid, uid, map[string]any{
		"verification_token_id": result.Token.ID.String(),
		"sessions_revoked":      revoked,
	})

	return nil
}
