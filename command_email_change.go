package auth

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// RequestEmailChange re-checks the caller password and mails a
// confirmation code to the new address.
func (e *Engine) RequestEmailChange(ctx context.Context, actor Actor, msg EmailChangeMessage) error {
	msg.Actor = actor
	return NewRequestEmailChangeHandler(e).Execute(ctx, msg)
}

// RequestEmailChangeHandler sends a confirmation code to the new address
// of msg.Actor.
type RequestEmailChangeHandler struct {
	engine *Engine
}

func NewRequestEmailChangeHandler(engine *Engine) *RequestEmailChangeHandler {
	return &RequestEmailChangeHandler{engine: engine}
}

func (h *RequestEmailChangeHandler) Execute(ctx context.Context, msg EmailChangeMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "email change request")
	default:
		return h.engine.requestEmailChange(ctx, msg.Actor, msg)
	}
}

func (e *Engine) requestEmailChange(ctx context.Context, actor Actor, msg EmailChangeMessage) error {
	if actor.IsZero() {
		return ErrUnauthenticated
	}
	if err := msg.Validate(); err != nil {
		return validationFailure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.repo.Users().FindByIDTx(ctx, e.repo.DB(), actor.UserID)
	if err != nil {
		return transientFailure(err, "failed to load user")
	}

	if err := e.passwords.ComparePasswordAndHash(msg.CurrentPassword, user.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}

	newEmail := NormalizeEmail(msg.NewEmail)
	if newEmail == user.Email {
		return ErrEmailUnchanged
	}

	ttl := e.verificationTTL(TokenTypeChangeEmail)

	var code string
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		taken, err := e.repo.Users().EmailTakenTx(ctx, tx, newEmail, user.ID)
		if err != nil {
			return err
		}
		if taken {
			return ErrEmailTaken
		}
		if _, err := e.repo.VerificationTokens().InvalidatePendingTx(ctx, tx, user.ID, TokenTypeChangeEmail); err != nil {
			return err
		}
		code, err = e.repo.VerificationTokens().CreateTx(ctx, tx, &user.ID, TokenTypeChangeEmail, ttl, newEmail)
		return err
	})
	if err != nil {
		return transientFailure(err, "failed to issue email change code")
	}

	uid := user.ID.String()
	e.record(ctx, ActivityEventEmailChangeRequest, uid, uid, nil)

	vars := e.mailVars(user, code, ttl)
	vars["new_email"] = newEmail
	e.sendAsync(ctx, uid, newEmail, TemplateChangeEmail, vars)
	return nil
}

// ConfirmEmailChange applies the address carried by the code, revokes
// every session of the account and opens a new one for the caller.
func (e *Engine) ConfirmEmailChange(ctx context.Context, code string, meta SessionMetadata) (*TokenPair, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx, "email change confirmation")
	default:
		return e.confirmEmailChange(ctx, code, meta)
	}
}

func (e *Engine) confirmEmailChange(ctx context.Context, code string, meta SessionMetadata) (*TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		user    *User
		oldMail string
		raw     string
		session *RefreshToken
		revoked int64
	)
	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := e.repo.VerificationTokens().ConsumeTx(ctx, tx, code, TokenTypeChangeEmail)
		if err != nil {
			return err
		}
		if !result.OK() || result.Token.UserID == nil || result.Token.AdditionalData == "" {
			return ErrInvalidOrExpiredCode
		}

		userID := *result.Token.UserID
		newEmail := NormalizeEmail(result.Token.AdditionalData)

		taken, err := e.repo.Users().EmailTakenTx(ctx, tx, newEmail, userID)
		if err != nil {
			return err
		}
		if taken {
			return ErrEmailTaken
		}

		user, err = e.repo.Users().FindByIDTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !user.Active {
			return ErrAccountDisabled
		}
		oldMail = user.Email

		if err := e.repo.Users().UpdateEmailTx(ctx, tx, userID, newEmail); err != nil {
			return err
		}
		user.Email = newEmail

		if revoked, err = e.repo.RefreshTokens().RevokeAllTx(ctx, tx, userID); err != nil {
			return err
		}

		raw, session, err = e.repo.RefreshTokens().IssueTx(ctx, tx, userID, meta, e.cfg.GetRefreshTokenTTL())
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidOrExpiredCode
		}
		return nil, transientFailure(err, "failed to confirm email change")
	}

	pair, err := e.mintPair(ctx, user, session, raw)
	if err != nil {
		return nil, err
	}

	uid := user.ID.String()
	e.record(ctx, ActivityEventEmailChanged, uid, uid, map[string]any{
		"previous_email":   oldMail,
		"session_id":       session.ID.String(),
		"sessions_revoked": revoked,
	})
	return pair, nil
}
