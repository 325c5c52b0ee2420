package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultOperationTimeout = 10 * time.Second

// Engine orchestrates credential checks, session issuance and the
// verification token flows.
type Engine struct {
	repo      RepositoryManager
	tokens    TokenService
	passwords PasswordAuthenticator
	cfg       Config
	mailer    Mailer
	activity  ActivitySink
	logger    Logger
	now       func() time.Time
	timeout   time.Duration

	inflight sync.WaitGroup
}

// NewEngine creates an engine with sane defaults.
func NewEngine(repo RepositoryManager, tokens TokenService, passwords PasswordAuthenticator, cfg Config) *Engine {
	return &Engine{
		repo:      repo,
		tokens:    tokens,
		passwords: passwords,
		cfg:       cfg,
		mailer:    noopMailer{},
		activity:  noopActivitySink{},
		logger:    defaultLogger(),
		now:       time.Now,
		timeout:   defaultOperationTimeout,
	}
}

// WithMailer sets the mailer used to deliver verification codes.
func (e *Engine) WithMailer(m Mailer) *Engine {
	if m != nil {
		e.mailer = m
	}
	return e
}

// WithActivitySink sets the sink used to emit audit events.
func (e *Engine) WithActivitySink(sink ActivitySink) *Engine {
	e.activity = normalizeActivitySink(sink)
	return e
}

// WithLogger overrides the logger used by the engine.
func (e *Engine) WithLogger(logger Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithLoggerProvider resolves the engine logger from a provider.
func (e *Engine) WithLoggerProvider(provider LoggerProvider) *Engine {
	e.logger = ResolveLogger("auth:engine", provider, e.logger)
	return e
}

// WithClock overrides the time source, used in tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithTimeout bounds every datastore step of a flow.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// Repository exposes the repository manager backing the engine.
func (e *Engine) Repository() RepositoryManager {
	return e.repo
}

// Close waits for background email deliveries to finish or ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authenticate verifies credentials and opens a session.
func (e *Engine) Authenticate(ctx context.Context, msg LoginMessage) (*TokenPair, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx, "authentication")
	default:
		return e.authenticate(ctx, msg)
	}
}

func (e *Engine) authenticate(ctx context.Context, msg LoginMessage) (*TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	email := NormalizeEmail(msg.Email)

	user, err := e.repo.Users().FindByEmailTx(ctx, e.repo.DB(), email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.burnComparison(msg.Password)
			e.record(ctx, ActivityEventLoginFailure, "", "", map[string]any{
				"reason": "unknown_email",
			})
			return nil, ErrInvalidCredentials
		}
		return nil, transientFailure(err, "failed to look up user")
	}

	now := e.now().UTC()
	if e.lockedOut(user, now) {
		_ = e.passwords.ComparePasswordAndHash(msg.Password, user.PasswordHash)
		e.record(ctx, ActivityEventLoginFailure, user.ID.String(), user.ID.String(), map[string]any{
			"reason": "too_many_attempts",
		})
		return nil, ErrTooManyAttempts
	}

	if err := e.passwords.ComparePasswordAndHash(msg.Password, user.PasswordHash); err != nil {
		if trackErr := e.repo.Users().TrackAttemptedLoginTx(ctx, e.repo.DB(), user, now); trackErr != nil {
			e.logger.Error("failed to track login attempt", "user_id", user.ID, "error", trackErr)
		}
		e.record(ctx, ActivityEventLoginFailure, user.ID.String(), user.ID.String(), map[string]any{
			"reason": "bad_password",
		})
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		e.record(ctx, ActivityEventLoginFailure, user.ID.String(), user.ID.String(), map[string]any{
			"reason": "disabled",
		})
		return nil, ErrAccountDisabled
	}

	if !user.Verified && e.cfg.GetRequireVerified() {
		e.record(ctx, ActivityEventLoginFailure, user.ID.String(), user.ID.String(), map[string]any{
			"reason": "unverified",
		})
		return nil, ErrAccountUnverified
	}

	var (
		raw     string
		session *RefreshToken
	)
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.repo.Users().TrackSuccessfulLoginTx(ctx, tx, user, now); err != nil {
			return err
		}
		var err error
		raw, session, err = e.repo.RefreshTokens().IssueTx(ctx, tx, user.ID, msg.Metadata, e.cfg.GetRefreshTokenTTL())
		return err
	})
	if err != nil {
		return nil, transientFailure(err, "failed to open session")
	}

	pair, err := e.mintPair(ctx, user, session, raw)
	if err != nil {
		return nil, err
	}

	e.record(ctx, ActivityEventLoginSuccess, user.ID.String(), user.ID.String(), map[string]any{
		"session_id": session.ID.String(),
		"ip_address": msg.Metadata.IPAddress,
	})

	return pair, nil
}

// RefreshAccessToken rotates the refresh token and mints a new pair. A
// token that is unknown, revoked or expired fails with ErrSessionExpired.
func (e *Engine) RefreshAccessToken(ctx context.Context, msg RefreshMessage) (*TokenPair, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx, "token refresh")
	default:
		return e.refresh(ctx, msg)
	}
}

func (e *Engine) refresh(ctx context.Context, msg RefreshMessage) (*TokenPair, error) {
	if msg.RefreshToken == "" {
		return nil, ErrSessionExpired
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		raw     string
		session *RefreshToken
		user    *User
	)
	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		raw, session, err = e.repo.RefreshTokens().RotateTx(ctx, tx, msg.RefreshToken, e.cfg.GetRefreshTokenTTL())
		if err != nil {
			return err
		}

		user, err = e.repo.Users().FindByIDTx(ctx, tx, session.UserID)
		if err != nil {
			return err
		}
		if !user.Active {
			return ErrAccountDisabled
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) || errors.Is(err, ErrUserNotFound) {
			e.record(ctx, ActivityEventTokenRefreshFailure, "", "", nil)
			return nil, ErrSessionExpired
		}
		return nil, transientFailure(err, "failed to rotate refresh token")
	}

	pair, err := e.mintPair(ctx, user, session, raw)
	if err != nil {
		return nil, err
	}

	e.record(ctx, ActivityEventTokenRefreshed, user.ID.String(), user.ID.String(), map[string]any{
		"session_id": session.ID.String(),
	})
	return pair, nil
}

// Logout revokes the presented session, or every session of its owner
// when msg.All is set. Revocation failures are reported, never hidden.
func (e *Engine) Logout(ctx context.Context, msg LogoutMessage) error {
	select {
	case <-ctx.Done():
		return cancelled(ctx, "logout")
	default:
		return e.logout(ctx, msg)
	}
}

func (e *Engine) logout(ctx context.Context, msg LogoutMessage) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if !msg.All {
		if err := e.repo.RefreshTokens().Revoke(ctx, msg.RefreshToken); err != nil {
			e.logger.Error("failed to revoke session", "error", err)
			return transientFailure(err, "failed to revoke session")
		}
		e.record(ctx, ActivityEventLogout, "", "", nil)
		return nil
	}

	session, err := e.repo.RefreshTokens().FindActiveTx(ctx, e.repo.DB(), msg.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) {
			return ErrSessionExpired
		}
		return transientFailure(err, "failed to look up session")
	}

	return e.revokeAll(ctx, session.UserID, session.UserID.String())
}

// LogoutAll revokes every session of the actor.
func (e *Engine) LogoutAll(ctx context.Context, actor Actor) error {
	if actor.IsZero() {
		return ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.revokeAll(ctx, actor.UserID, actor.UserID.String())
}

func (e *Engine) revokeAll(ctx context.Context, userID uuid.UUID, actorID string) error {
	n, err := e.repo.RefreshTokens().RevokeAll(ctx, userID)
	if err != nil {
		e.logger.Error("failed to revoke sessions", "user_id", userID, "error", err)
		return transientFailure(err, "failed to revoke sessions")
	}
	e.record(ctx, ActivityEventLogoutAll, actorID, userID.String(), map[string]any{
		"sessions_revoked": n,
	})
	return nil
}

// Touch records use of a session without rotating it.
func (e *Engine) Touch(ctx context.Context, refreshToken string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.repo.RefreshTokens().Touch(ctx, refreshToken); err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) {
			return ErrSessionExpired
		}
		return transientFailure(err, "failed to touch session")
	}
	return nil
}

func (e *Engine) mintPair(ctx context.Context, user *User, session *RefreshToken, raw string) (*TokenPair, error) {
	access, claims, err := e.tokens.Generate(ctx, NewIdentityFromUser(user), session.ID)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to mint access token")
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		ExpiresIn:        int64(e.tokens.TTL() / time.Second),
		AccessExpiresAt:  claims.Expires(),
		RefreshExpiresAt: session.ExpiresAt,
		SessionID:        session.ID,
	}, nil
}

func (e *Engine) lockedOut(user *User, now time.Time) bool {
	limit := e.cfg.GetMaxLoginAttempts()
	if limit <= 0 || user.LoginAttempts < limit || user.LoginAttemptAt == nil {
		return false
	}
	return now.Sub(*user.LoginAttemptAt) < e.cfg.GetLoginCooldown()
}

type dummyHasher interface {
	DummyHash() string
}

// burnComparison runs a comparison that always fails so a lookup miss
// costs the same as a wrong password.
func (e *Engine) burnComparison(password string) {
	if dh, ok := e.passwords.(dummyHasher); ok {
		if hash := dh.DummyHash(); hash != "" {
			_ = e.passwords.ComparePasswordAndHash(password, hash)
		}
	}
}

func (e *Engine) verificationTTL(t TokenType) time.Duration {
	if ttl := e.cfg.GetVerificationTTL(t); ttl > 0 {
		return ttl
	}
	if t == TokenTypeResetPassword {
		return time.Hour
	}
	return 24 * time.Hour
}

func (e *Engine) record(ctx context.Context, eventType ActivityEventType, actorID, userID string, metadata map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		ActorID:    actorID,
		UserID:     userID,
		Metadata:   metadata,
		OccurredAt: e.now().UTC(),
	}

	if err := normalizeActivitySink(e.activity).Record(ctx, event); err != nil {
		e.logger.Warn("activity sink error", "event", string(eventType), "error", err)
	}
}
