package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Auditable holds the bookkeeping columns shared by every entity.
type Auditable struct {
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
	CreatedBy string    `bun:"created_by" json:"created_by,omitempty"`
	UpdatedBy string    `bun:"updated_by" json:"updated_by,omitempty"`
}

var _ bun.BeforeAppendModelHook = (*Auditable)(nil)

// BeforeAppendModel stamps audit timestamps on insert and update.
func (a *Auditable) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
		if by, ok := actorIDFromContext(ctx); ok && a.CreatedBy == "" {
			a.CreatedBy = by
			a.UpdatedBy = by
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
		if by, ok := actorIDFromContext(ctx); ok {
			a.UpdatedBy = by
		}
	}
	return nil
}

// User is the user model
type User struct {
	bun.BaseModel  `bun:"table:users,alias:usr"`
	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	FirstName      string     `bun:"first_name,notnull" json:"first_name"`
	LastName       string     `bun:"last_name,notnull" json:"last_name"`
	Email          string     `bun:"email,notnull,unique" json:"email"`
	Phone          string     `bun:"phone_number" json:"phone_number,omitempty"`
	PasswordHash   string     `bun:"password_hash,notnull" json:"-"`
	Active         bool       `bun:"is_active,notnull" json:"is_active"`
	Verified       bool       `bun:"is_verified,notnull" json:"is_verified"`
	Employee       bool       `bun:"is_employee,notnull" json:"is_employee"`
	LoginAttempts  int        `bun:"login_attempts,notnull" json:"-"`
	LoginAttemptAt *time.Time `bun:"login_attempt_at" json:"-"`
	LoggedInAt     *time.Time `bun:"loggedin_at" json:"loggedin_at,omitempty"`
	Roles          []*Role    `bun:"m2m:user_roles,join:User=Role" json:"roles,omitempty"`
	Auditable
}

// RoleNames returns the canonical names of the user's roles.
func (u *User) RoleNames() []string {
	if u == nil {
		return nil
	}
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		if r == nil || !r.Active {
			continue
		}
		names = append(names, r.Name)
	}
	return names
}

// Role is a named set of permissions shared by many users.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rol"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name          string    `bun:"name,notnull,unique" json:"name"`
	Description   string    `bun:"description" json:"description,omitempty"`
	Active        bool      `bun:"is_active,notnull" json:"is_active"`
	Auditable
}

// UserToRole is the join table between users and roles.
type UserToRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`
	UserID        uuid.UUID `bun:"user_id,pk,type:uuid"`
	User          *User     `bun:"rel:belongs-to,join:user_id=id"`
	RoleID        uuid.UUID `bun:"role_id,pk,type:uuid"`
	Role          *Role     `bun:"rel:belongs-to,join:role_id=id"`
}

// RefreshToken is one authenticated session. Only the hash of the
// opaque token value is stored.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	TokenHash     string     `bun:"token_hash,notnull,unique" json:"-"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	User          *User      `bun:"rel:belongs-to,join:user_id=id" json:"-"`
	ExpiresAt     time.Time  `bun:"expiry_date,notnull" json:"expires_at"`
	Revoked       bool       `bun:"revoked,notnull" json:"revoked"`
	RevokedAt     *time.Time `bun:"revoked_at" json:"revoked_at,omitempty"`
	DeviceInfo    string     `bun:"device_info" json:"device_info,omitempty"`
	IPAddress     string     `bun:"ip_address" json:"ip_address,omitempty"`
	UserAgent     string     `bun:"user_agent" json:"user_agent,omitempty"`
	LastUsedAt    *time.Time `bun:"last_used_at" json:"last_used_at,omitempty"`
	Auditable
}

// UsableAt reports whether the token may still be rotated at the given instant.
func (t *RefreshToken) UsableAt(now time.Time) bool {
	return t != nil && !t.Revoked && now.Before(t.ExpiresAt)
}

// TokenType is the action a verification token authorizes.
type TokenType string

const (
	TokenTypeActivateAccount TokenType = "ACTIVATE_ACCOUNT"
	TokenTypeChangeEmail     TokenType = "CHANGE_EMAIL"
	TokenTypeChangePassword  TokenType = "CHANGE_PASSWORD"
	TokenTypeResetPassword   TokenType = "RESET_PASSWORD"
)

// VerificationToken is a pending single-use action.
type VerificationToken struct {
	bun.BaseModel  `bun:"table:verification_tokens,alias:vt"`
	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	TokenHash      string     `bun:"token_hash,notnull,unique" json:"-"`
	UserID         *uuid.UUID `bun:"user_id,type:uuid" json:"user_id,omitempty"`
	User           *User      `bun:"rel:belongs-to,join:user_id=id" json:"-"`
	ExpiresAt      time.Time  `bun:"expiry_date,notnull" json:"expires_at"`
	Used           bool       `bun:"used,notnull" json:"used"`
	UsedAt         *time.Time `bun:"used_at" json:"used_at,omitempty"`
	TokenType      TokenType  `bun:"token_type,notnull" json:"token_type"`
	AdditionalData string     `bun:"additional_data" json:"-"`
	Auditable
}
