package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ListSessions returns the actor's open sessions, flagging the one the
// access token was minted for.
func (e *Engine) ListSessions(ctx context.Context, actor Actor) ([]SessionInfo, error) {
	if actor.IsZero() {
		return nil, ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tokens, err := e.repo.RefreshTokens().ListActiveSessions(ctx, actor.UserID)
	if err != nil {
		return nil, transientFailure(err, "failed to list sessions")
	}

	out := make([]SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, NewSessionInfo(t, actor.SessionID))
	}
	return out, nil
}

// RevokeSession revokes one of the actor's own sessions.
func (e *Engine) RevokeSession(ctx context.Context, actor Actor, sessionID uuid.UUID) error {
	if actor.IsZero() {
		return ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.repo.RefreshTokens().RevokeSession(ctx, actor.UserID, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		e.logger.Error("failed to revoke session", "user_id", actor.UserID, "session_id", sessionID, "error", err)
		return transientFailure(err, "failed to revoke session")
	}

	uid := actor.UserID.String()
	e.record(ctx, ActivityEventSessionRevoked, uid, uid, map[string]any{
		"session_id": sessionID.String(),
		"current":    sessionID == actor.SessionID,
	})
	return nil
}

// CountSessions returns the number of open sessions for a user.
func (e *Engine) CountSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	n, err := e.repo.RefreshTokens().CountActive(ctx, userID)
	if err != nil {
		return 0, transientFailure(err, "failed to count sessions")
	}
	return n, nil
}

// SessionsByIP returns a user's open sessions created from ip.
func (e *Engine) SessionsByIP(ctx context.Context, userID uuid.UUID, ip string) ([]SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tokens, err := e.repo.RefreshTokens().ActiveSessionsByIP(ctx, userID, ip)
	if err != nil {
		return nil, transientFailure(err, "failed to list sessions by ip")
	}

	out := make([]SessionInfo, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, NewSessionInfo(t, uuid.Nil))
	}
	return out, nil
}

// IsSessionActive implements SessionChecker.
func (e *Engine) IsSessionActive(ctx context.Context, userID, sessionID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ok, err := e.repo.RefreshTokens().IsSessionActive(ctx, userID, sessionID)
	if err != nil {
		return false, transientFailure(err, "failed to check session")
	}
	return ok, nil
}

// TouchSession implements SessionToucher.
func (e *Engine) TouchSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.repo.RefreshTokens().TouchSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return ErrSessionExpired
		}
		return transientFailure(err, "failed to touch session")
	}
	return nil
}

var (
	_ SessionChecker = (*Engine)(nil)
	_ SessionToucher = (*Engine)(nil)
)
