package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type immutableClaims struct {
	id        string
	subject   string
	issuer    string
	uid       string
	email     string
	sid       string
	roles     []string
	audience  []string
	issuedAt  *time.Time
	notBefore *time.Time
	expiresAt *time.Time
}

func captureImmutableClaims(c *JWTClaims) immutableClaims {
	return immutableClaims{
		id:        c.ID,
		subject:   c.RegisteredClaims.Subject,
		issuer:    c.Issuer,
		uid:       c.UID,
		email:     c.UserEmail,
		sid:       c.SID,
		roles:     slices.Clone(c.UserRoles),
		audience:  slices.Clone([]string(c.Audience)),
		issuedAt:  numericTime(c.RegisteredClaims.IssuedAt),
		notBefore: numericTime(c.NotBefore),
		expiresAt: numericTime(c.ExpiresAt),
	}
}

func (snap immutableClaims) validate(c *JWTClaims) error {
	strs := []struct {
		field     string
		got, want string
	}{
		{"jti", c.ID, snap.id},
		{"sub", c.RegisteredClaims.Subject, snap.subject},
		{"iss", c.Issuer, snap.issuer},
		{"uid", c.UID, snap.uid},
		{"email", c.UserEmail, snap.email},
		{"sid", c.SID, snap.sid},
	}
	for _, s := range strs {
		if s.got != s.want {
			return immutableClaimViolation(s.field)
		}
	}

	if !slices.Equal(c.UserRoles, snap.roles) {
		return immutableClaimViolation("roles")
	}
	if !slices.Equal([]string(c.Audience), snap.audience) {
		return immutableClaimViolation("aud")
	}

	dates := []struct {
		field     string
		got, want *time.Time
	}{
		{"iat", numericTime(c.RegisteredClaims.IssuedAt), snap.issuedAt},
		{"nbf", numericTime(c.NotBefore), snap.notBefore},
		{"exp", numericTime(c.ExpiresAt), snap.expiresAt},
	}
	for _, d := range dates {
		if !sameTime(d.got, d.want) {
			return immutableClaimViolation(d.field)
		}
	}
	return nil
}

func numericTime(d *jwt.NumericDate) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func immutableClaimViolation(field string) error {
	clone := ErrImmutableClaimMutation.Clone()
	if clone == nil {
		return ErrImmutableClaimMutation
	}
	clone.Message = fmt.Sprintf("immutable claim mutated: %s", field)
	clone.Source = ErrImmutableClaimMutation
	return clone.WithMetadata(map[string]any{"claim": field})
}
