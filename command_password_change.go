package auth

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// ChangePassword re-checks the current password and stores the new one.
// With RevokeOtherSessions set, every session except the caller's is
// revoked.
func (e *Engine) ChangePassword(ctx context.Context, actor Actor, msg ChangePasswordMessage) error {
	msg.Actor = actor
	return NewChangePasswordHandler(e).Execute(ctx, msg)
}

// ChangePasswordHandler changes the password of msg.Actor in one step.
type ChangePasswordHandler struct {
	engine *Engine
}

func NewChangePasswordHandler(engine *Engine) *ChangePasswordHandler {
	return &ChangePasswordHandler{engine: engine}
}

func (h *ChangePasswordHandler) Execute(ctx context.Context, msg ChangePasswordMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "password change")
	default:
		return h.engine.changePassword(ctx, msg.Actor, msg)
	}
}

func (e *Engine) changePassword(ctx context.Context, actor Actor, msg ChangePasswordMessage) error {
	user, hash, err := e.checkPasswordChange(ctx, actor, msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var revoked int64
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.repo.Users().UpdatePasswordTx(ctx, tx, user.ID, hash); err != nil {
			return err
		}
		if !msg.RevokeOtherSessions {
			return nil
		}
		var err error
		revoked, err = e.repo.RefreshTokens().RevokeAllTx(ctx, tx, user.ID, actor.SessionID)
		return err
	})
	if err != nil {
		return transientFailure(err, "failed to change password")
	}

	uid := user.ID.String()
	e.record(ctx, ActivityEventPasswordChanged, uid, uid, map[string]any{
		"sessions_revoked": revoked,
	})
	return nil
}

// RequestPasswordChange stores the new hash behind a confirmation code
// mailed to the account owner.
func (e *Engine) RequestPasswordChange(ctx context.Context, actor Actor, msg ChangePasswordMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "password change request")
	default:
		return e.requestPasswordChange(ctx, actor, msg)
	}
}

func (e *Engine) requestPasswordChange(ctx context.Context, actor Actor, msg ChangePasswordMessage) error {
	user, hash, err := e.checkPasswordChange(ctx, actor, msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ttl := e.verificationTTL(TokenTypeChangePassword)

	var code string
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := e.repo.VerificationTokens().InvalidatePendingTx(ctx, tx, user.ID, TokenTypeChangePassword); err != nil {
			return err
		}
		var err error
		code, err = e.repo.VerificationTokens().CreateTx(ctx, tx, &user.ID, TokenTypeChangePassword, ttl, hash)
		return err
	})
	if err != nil {
		return transientFailure(err, "failed to issue password change code")
	}

	uid := user.ID.String()
	e.record(ctx, ActivityEventPasswordChangeRequest, uid, uid, nil)
	e.sendAsync(ctx, uid, user.Email, TemplateChangePassword, e.mailVars(user, code, ttl))
	return nil
}

// ConfirmPasswordChange applies the hash behind the code and revokes
// every session of the account.
func (e *Engine) ConfirmPasswordChange(ctx context.Context, code string) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "password change confirmation")
	default:
		return e.confirmPasswordChange(ctx, code)
	}
}

func (e *Engine) confirmPasswordChange(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		result  ConsumeResult
		revoked int64
	)
	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = e.repo.VerificationTokens().ConsumeTx(ctx, tx, code, TokenTypeChangePassword)
		if err != nil {
			return err
		}
		if !result.OK() || result.Token.UserID == nil || result.Token.AdditionalData == "" {
			return ErrInvalidOrExpiredCode
		}

		userID := *result.Token.UserID
		if err := e.repo.Users().UpdatePasswordTx(ctx, tx, userID, result.Token.AdditionalData); err != nil {
			return err
		}
		revoked, err = e.repo.RefreshTokens().RevokeAllTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidOrExpiredCode
		}
		return transientFailure(err, "failed to confirm password change")
	}

	uid := result.Token.UserID.String()
	e.record(ctx, ActivityEventPasswordChanged, uid, uid, map[string]any{
		"sessions_revoked": revoked,
		"confirmed":        true,
	})
	return nil
}

func (e *Engine) checkPasswordChange(ctx context.Context, actor Actor, msg ChangePasswordMessage) (*User, string, error) {
	if actor.IsZero() {
		return nil, "", ErrUnauthenticated
	}
	if err := msg.Validate(); err != nil {
		return nil, "", validationFailure(err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.repo.Users().FindByIDTx(lookupCtx, e.repo.DB(), actor.UserID)
	if err != nil {
		return nil, "", transientFailure(err, "failed to load user")
	}

	if err := e.passwords.ComparePasswordAndHash(msg.CurrentPassword, user.PasswordHash); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	hash, err := e.passwords.HashPassword(msg.NewPassword)
	if err != nil {
		if errors.Is(err, ErrNoEmptyString) {
			return nil, "", ErrNoEmptyString
		}
		return nil, "", transientFailure(err, "failed to hash password")
	}
	return user, hash, nil
}
