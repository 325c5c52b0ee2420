package auth

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// VerifyAccount consumes an activation code and marks the owner verified.
// Every non Ok outcome maps to ErrInvalidOrExpiredCode.
func (e *Engine) VerifyAccount(ctx context.Context, code string) error {
	return NewVerifyAccountHandler(e).Execute(ctx, VerifyAccountMessage{Code: code})
}

// VerifyAccountHandler consumes activation codes.
type VerifyAccountHandler struct {
	engine *Engine
}

func NewVerifyAccountHandler(engine *Engine) *VerifyAccountHandler {
	return &VerifyAccountHandler{engine: engine}
}

func (h *VerifyAccountHandler) Execute(ctx context.Context, msg VerifyAccountMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "account verification")
	default:
		return h.engine.verifyAccount(ctx, msg.Code)
	}
}

func (e *Engine) verifyAccount(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var result ConsumeResult
	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = e.repo.VerificationTokens().ConsumeTx(ctx, tx, code, TokenTypeActivateAccount)
		if err != nil {
			return err
		}
		if !result.OK() || result.Token.UserID == nil {
			return ErrInvalidOrExpiredCode
		}
		return e.repo.Users().MarkVerifiedTx(ctx, tx, *result.Token.UserID)
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidOrExpiredCode
		}
		return transientFailure(err, "failed to verify account")
	}

	uid := result.Token.UserID.String()
	e.record(ctx, ActivityEventAccountVerified, uid, uid, nil)
	return nil
}

// ResendVerification issues a fresh activation code. Unknown addresses
// succeed silently; verified accounts get ErrAccountAlreadyVerified.
func (e *Engine) ResendVerification(ctx context.Context, email string) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "verification resend")
	default:
		return e.resendVerification(ctx, email)
	}
}

func (e *Engine) resendVerification(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.repo.Users().FindByEmailTx(ctx, e.repo.DB(), email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return transientFailure(err, "failed to look up user")
	}

	if user.Verified {
		return ErrAccountAlreadyVerified
	}

	ttl := e.verificationTTL(TokenTypeActivateAccount)

	var code string
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := e.repo.VerificationTokens().InvalidatePendingTx(ctx, tx, user.ID, TokenTypeActivateAccount); err != nil {
			return err
		}
		var err error
		code, err = e.repo.VerificationTokens().CreateTx(ctx, tx, &user.ID, TokenTypeActivateAccount, ttl, "")
		return err
	})
	if err != nil {
		return transientFailure(err, "failed to issue activation code")
	}

	e.sendAsync(ctx, user.ID.String(), user.Email, TemplateActivateAccount, e.mailVars(user, code, ttl))
	return nil
}
