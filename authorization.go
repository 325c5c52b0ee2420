package auth

import (
	"strings"
)

// AuthorityPrefix is prepended to role names when they are exposed as
// authorities.
const AuthorityPrefix = "ROLE_"

// RoleType is one of the built in roles.
type RoleType string

const (
	RoleAdmin    RoleType = "ADMIN"
	RoleUser     RoleType = "USER"
	RoleManager  RoleType = "MANAGER"
	RoleEmployee RoleType = "EMPLOYEE"
)

// DefaultRole is assigned to users registered without explicit roles.
const DefaultRole = RoleUser

// BuiltinRoles lists the roles seeded on a fresh install.
var BuiltinRoles = []RoleType{RoleAdmin, RoleUser, RoleManager, RoleEmployee}

func (r RoleType) String() string {
	return string(r)
}

// Authority returns the prefixed authority, e.g. ROLE_ADMIN.
func (r RoleType) Authority() string {
	return AuthorityPrefix + string(r)
}

// CanonicalRoleName upper cases the name and strips any authority prefix.
func CanonicalRoleName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	return strings.TrimPrefix(name, AuthorityPrefix)
}

// Authorities maps role names to prefixed authorities.
func Authorities(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if c := CanonicalRoleName(r); c != "" {
			out = append(out, AuthorityPrefix+c)
		}
	}
	return out
}

// Requirement decides whether a set of role names is allowed through.
type Requirement func(roles []string) bool

// Allows evaluates the requirement. A nil requirement allows any
// authenticated caller.
func (r Requirement) Allows(roles []string) bool {
	if r == nil {
		return true
	}
	return r(roles)
}

// HasRole requires the given role.
func HasRole(role string) Requirement {
	want := CanonicalRoleName(role)
	return func(roles []string) bool {
		if want == "" {
			return false
		}
		for _, r := range roles {
			if CanonicalRoleName(r) == want {
				return true
			}
		}
		return false
	}
}

// HasAnyRole requires at least one of the given roles.
func HasAnyRole(roles ...string) Requirement {
	reqs := make([]Requirement, 0, len(roles))
	for _, r := range roles {
		reqs = append(reqs, HasRole(r))
	}
	return func(have []string) bool {
		for _, req := range reqs {
			if req(have) {
				return true
			}
		}
		return false
	}
}

// HasAllRoles requires every one of the given roles.
func HasAllRoles(roles ...string) Requirement {
	reqs := make([]Requirement, 0, len(roles))
	for _, r := range roles {
		reqs = append(reqs, HasRole(r))
	}
	return func(have []string) bool {
		for _, req := range reqs {
			if !req(have) {
				return false
			}
		}
		return len(reqs) > 0
	}
}

// Authorize checks the claims against the requirement. It returns
// ErrUnauthenticated without claims and ErrForbidden on a deny.
func Authorize(claims AuthClaims, req Requirement) error {
	if claims == nil {
		return ErrUnauthenticated
	}
	if !req.Allows(claims.Roles()) {
		return ErrForbidden
	}
	return nil
}

// AuthorizeActor is Authorize for an already resolved actor.
func AuthorizeActor(actor Actor, req Requirement) error {
	if actor.IsZero() {
		return ErrUnauthenticated
	}
	if !req.Allows(actor.Roles) {
		return ErrForbidden
	}
	return nil
}
