package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthClaims represents structured JWT claims
type AuthClaims interface {
	Subject() string
	UserID() string
	Email() string
	Roles() []string
	SessionID() string
	HasRole(role string) bool
	HasAnyRole(roles ...string) bool
	Authorities() []string
	Expires() time.Time
	IssuedAt() time.Time
}

// JWTClaims is the concrete implementation of AuthClaims
type JWTClaims struct {
	jwt.RegisteredClaims
	UID       string   `json:"uid,omitempty"`
	UserEmail string   `json:"email,omitempty"`
	UserRoles []string `json:"roles,omitempty"`
	SID       string   `json:"sid,omitempty"`
	// Metadata carries application claims added by a ClaimsDecorator.
	Metadata map[string]any `json:"dat,omitempty"`
}

// Verify interface compliance
var _ AuthClaims = (*JWTClaims)(nil)

// Subject returns the subject claim
func (c *JWTClaims) Subject() string {
	return c.RegisteredClaims.Subject
}

// UserID returns the user ID
func (c *JWTClaims) UserID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.Subject()
}

func (c *JWTClaims) Email() string {
	return c.UserEmail
}

// Roles returns the canonical role names carried by the token.
func (c *JWTClaims) Roles() []string {
	out := make([]string, len(c.UserRoles))
	copy(out, c.UserRoles)
	return out
}

// SessionID is the id of the refresh token the access token was minted with.
func (c *JWTClaims) SessionID() string {
	return c.SID
}

func (c *JWTClaims) HasRole(role string) bool {
	return HasRole(role).Allows(c.UserRoles)
}

func (c *JWTClaims) HasAnyRole(roles ...string) bool {
	return HasAnyRole(roles...).Allows(c.UserRoles)
}

// Authorities returns the roles with the authority prefix applied.
func (c *JWTClaims) Authorities() []string {
	return Authorities(c.UserRoles)
}

// Expires returns the expiration time
func (c *JWTClaims) Expires() time.Time {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *JWTClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}
