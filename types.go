package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

// Logger is the structured logger used across the package.
type Logger = glog.Logger

// LoggerProvider hands out named loggers.
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// ResolveLogger returns a named logger from provider, or fallback when
// the provider is nil or yields nothing.
func ResolveLogger(name string, provider LoggerProvider, fallback Logger) Logger {
	if provider != nil {
		if lgr := provider.GetLogger(name); lgr != nil {
			return lgr
		}
	}
	if fallback != nil {
		return fallback
	}
	return defaultLogger()
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	// GetAccessTokenTTL is the lifetime of signed access tokens.
	GetAccessTokenTTL() time.Duration
	// GetRefreshTokenTTL is the lifetime of a session (refresh token).
	GetRefreshTokenTTL() time.Duration
	GetVerificationTTL(tokenType TokenType) time.Duration
	// GetRequireVerified blocks authentication of accounts that never
	// confirmed their email address.
	GetRequireVerified() bool
	GetMaxLoginAttempts() int
	GetLoginCooldown() time.Duration
}

// PasswordAuthenticator authenticates passwords
type PasswordAuthenticator interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// Mailer delivers templated messages. Implementations may queue the
// message instead of sending it inline.
type Mailer interface {
	Send(ctx context.Context, to string, template TemplateID, vars map[string]any) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, to string, template TemplateID, vars map[string]any) error

// Send implements Mailer.
func (f MailerFunc) Send(ctx context.Context, to string, template TemplateID, vars map[string]any) error {
	if f == nil {
		return nil
	}
	return f(ctx, to, template, vars)
}

// TemplateID identifies an email template.
type TemplateID string

const (
	TemplateActivateAccount TemplateID = "activate_account"
	TemplateChangeEmail     TemplateID = "change_email"
	TemplateChangePassword  TemplateID = "change_password"
	TemplateResetPassword   TemplateID = "reset_password"
)

// Actor is the caller on whose behalf an operation runs. It is built
// from verified access token claims and passed explicitly.
type Actor struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Email     string
	Roles     []string
}

// IsZero reports whether the actor carries no identity.
func (a Actor) IsZero() bool {
	return a.UserID == uuid.Nil
}

// SessionMetadata describes the client a session was issued to.
type SessionMetadata struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// TokenPair is returned by every flow that opens a session.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"-"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"-"`
	SessionID        uuid.UUID `json:"session_id"`
}

func defaultLogger() Logger {
	return glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithName("auth"),
		glog.WithAddSource(false),
	).GetLogger("auth")
}

type noopMailer struct{}

func (noopMailer) Send(context.Context, string, TemplateID, map[string]any) error {
	return nil
}
