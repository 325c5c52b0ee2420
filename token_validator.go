package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TokenValidator validates tokens and extracts claims without tying callers
// to a specific signing implementation.
type TokenValidator interface {
	Validate(tokenString string) (AuthClaims, error)
}

// TokenValidatorFunc adapts a function into a TokenValidator.
type TokenValidatorFunc func(tokenString string) (AuthClaims, error)

// Validate satisfies the TokenValidator interface.
func (f TokenValidatorFunc) Validate(tokenString string) (AuthClaims, error) {
	if f == nil {
		return nil, ErrTokenMalformed
	}
	return f(tokenString)
}

// SessionChecker reports whether the session an access token was minted
// for is still open.
type SessionChecker interface {
	IsSessionActive(ctx context.Context, userID, sessionID uuid.UUID) (bool, error)
}

// SessionToucher is implemented by checkers that can record session use.
// A toucher reports a closed session as ErrSessionExpired.
type SessionToucher interface {
	TouchSession(ctx context.Context, userID, sessionID uuid.UUID) error
}

// SessionBoundValidator rejects access tokens whose session has been
// revoked, so logout takes effect before the access token expires. When
// the checker is also a SessionToucher the session's last use is
// recorded on every accepted token.
type SessionBoundValidator struct {
	next     TokenValidator
	sessions SessionChecker
	timeout  time.Duration
}

// NewSessionBoundValidator wraps next with a session liveness check.
func NewSessionBoundValidator(next TokenValidator, sessions SessionChecker) *SessionBoundValidator {
	return &SessionBoundValidator{
		next:     next,
		sessions: sessions,
		timeout:  2 * time.Second,
	}
}

// Validate satisfies the TokenValidator interface.
func (v *SessionBoundValidator) Validate(tokenString string) (AuthClaims, error) {
	claims, err := v.next.Validate(tokenString)
	if err != nil {
		return nil, err
	}

	if v.sessions == nil || claims.SessionID() == "" {
		return claims, nil
	}

	actor, err := ActorFromClaims(claims)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	if toucher, ok := v.sessions.(SessionToucher); ok {
		if err := toucher.TouchSession(ctx, actor.UserID, actor.SessionID); err != nil {
			if errors.Is(err, ErrSessionExpired) {
				return nil, ErrSessionExpired
			}
			return nil, transientFailure(err, "failed to record session use")
		}
		return claims, nil
	}

	active, err := v.sessions.IsSessionActive(ctx, actor.UserID, actor.SessionID)
	if err != nil {
		return nil, transientFailure(err, "failed to check session state")
	}
	if !active {
		return nil, ErrSessionExpired
	}
	return claims, nil
}
