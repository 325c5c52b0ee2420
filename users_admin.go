package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CreateUser provisions an account on behalf of an administrator. The
// account starts verified.
func (e *Engine) CreateUser(ctx context.Context, actor Actor, msg CreateUserMessage) (*User, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx, "user creation")
	default:
		return e.createUser(ctx, actor, msg)
	}
}

func (e *Engine) createUser(ctx context.Context, actor Actor, msg CreateUserMessage) (*User, error) {
	if err := msg.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	hash, err := e.passwords.HashPassword(msg.Password)
	if err != nil {
		if errors.Is(err, ErrNoEmptyString) {
			return nil, ErrNoEmptyString
		}
		return nil, transientFailure(err, "failed to hash password")
	}

	ctx, cancel := context.WithTimeout(WithActor(ctx, actor), e.timeout)
	defer cancel()

	user := &User{
		ID:           uuid.New(),
		FirstName:    strings.TrimSpace(msg.FirstName),
		LastName:     strings.TrimSpace(msg.LastName),
		Email:        NormalizeEmail(msg.Email),
		PasswordHash: hash,
		Active:       true,
		Verified:     true,
		Employee:     msg.Employee,
	}

	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		taken, err := e.repo.Users().EmailTakenTx(ctx, tx, user.Email, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return ErrEmailTaken
		}

		roles, err := e.resolveRolesTx(ctx, tx, msg.Roles)
		if err != nil {
			return err
		}

		user, err = e.repo.Users().RegisterTx(ctx, tx, user, roles)
		return err
	})
	if err != nil {
		return nil, transientFailure(err, "failed to create user")
	}

	e.record(ctx, ActivityEventUserCreated, actorID(actor), user.ID.String(), map[string]any{
		"roles": user.RoleNames(),
	})
	return user, nil
}

// UpdateUser applies a partial update. Roles, when given, replace the
// current set; a new password revokes every session.
func (e *Engine) UpdateUser(ctx context.Context, actor Actor, id uuid.UUID, msg UpdateUserMessage) (*User, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx, "user update")
	default:
		return e.updateUser(ctx, actor, id, msg)
	}
}

func (e *Engine) updateUser(ctx context.Context, actor Actor, id uuid.UUID, msg UpdateUserMessage) (*User, error) {
	if err := msg.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	var hash string
	if msg.Password != nil {
		var err error
		if hash, err = e.passwords.HashPassword(*msg.Password); err != nil {
			if errors.Is(err, ErrNoEmptyString) {
				return nil, ErrNoEmptyString
			}
			return nil, transientFailure(err, "failed to hash password")
		}
	}

	ctx, cancel := context.WithTimeout(WithActor(ctx, actor), e.timeout)
	defer cancel()

	changed := []string{}
	var user *User
	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := e.repo.Users().FindByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}

		profile := Profile{FirstName: current.FirstName, LastName: current.LastName, Phone: current.Phone}
		if msg.FirstName != nil {
			profile.FirstName = *msg.FirstName
			changed = append(changed, "first_name")
		}
		if msg.LastName != nil {
			profile.LastName = *msg.LastName
			changed = append(changed, "last_name")
		}
		if msg.FirstName != nil || msg.LastName != nil {
			if err := e.repo.Users().UpdateProfileTx(ctx, tx, id, profile); err != nil {
				return err
			}
		}

		if msg.Email != nil && NormalizeEmail(*msg.Email) != current.Email {
			email := NormalizeEmail(*msg.Email)
			taken, err := e.repo.Users().EmailTakenTx(ctx, tx, email, id)
			if err != nil {
				return err
			}
			if taken {
				return ErrEmailTaken
			}
			if err := e.repo.Users().UpdateEmailTx(ctx, tx, id, email); err != nil {
				return err
			}
			changed = append(changed, "email")
		}

		if msg.Employee != nil {
			if _, err := tx.NewUpdate().
				Model((*User)(nil)).
				Set("is_employee = ?", *msg.Employee).
				Set("updated_at = ?", e.now().UTC()).
				Where("id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
			changed = append(changed, "is_employee")
		}

		if hash != "" {
			if err := e.repo.Users().UpdatePasswordTx(ctx, tx, id, hash); err != nil {
				return err
			}
			if _, err := e.repo.RefreshTokens().RevokeAllTx(ctx, tx, id); err != nil {
				return err
			}
			changed = append(changed, "password")
		}

		if msg.Roles != nil {
			roles, err := e.resolveRolesTx(ctx, tx, msg.Roles)
			if err != nil {
				return err
			}
			if err := e.repo.Users().SetRolesTx(ctx, tx, id, roles); err != nil {
				return err
			}
			changed = append(changed, "roles")
		}

		user, err = e.repo.Users().FindByIDTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, transientFailure(err, "failed to update user")
	}

	e.record(ctx, ActivityEventUserUpdated, actorID(actor), id.String(), map[string]any{
		"fields": changed,
	})
	return user, nil
}

// GetUser loads a user with its roles.
func (e *Engine) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	user, err := e.repo.Users().FindByIDTx(ctx, e.repo.DB(), id)
	if err != nil {
		return nil, transientFailure(err, "failed to load user")
	}
	return user, nil
}

// ListUsers returns a page of users and the total count.
func (e *Engine) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	users, total, err := e.repo.Users().Page(ctx, limit, offset)
	if err != nil {
		return nil, 0, transientFailure(err, "failed to list users")
	}
	return users, total, nil
}

// CurrentUser loads the account behind the actor.
func (e *Engine) CurrentUser(ctx context.Context, actor Actor) (*User, error) {
	if actor.IsZero() {
		return nil, ErrUnauthenticated
	}
	return e.GetUser(ctx, actor.UserID)
}

// SetUserActive enables or disables an account. Disabling revokes every
// session in the same transaction.
func (e *Engine) SetUserActive(ctx context.Context, actor Actor, id uuid.UUID, active bool) error {
	ctx, cancel := context.WithTimeout(WithActor(ctx, actor), e.timeout)
	defer cancel()

	var revoked int64
	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.repo.Users().SetActiveTx(ctx, tx, id, active); err != nil {
			return err
		}
		if active {
			return nil
		}
		var err error
		revoked, err = e.repo.RefreshTokens().RevokeAllTx(ctx, tx, id)
		return err
	})
	if err != nil {
		e.logger.Error("failed to change account status", "user_id", id, "active", active, "error", err)
		return transientFailure(err, "failed to change account status")
	}

	e.record(ctx, ActivityEventUserStatusChanged, actorID(actor), id.String(), map[string]any{
		"active":           active,
		"sessions_revoked": revoked,
	})
	return nil
}

// UpdateProfile lets the actor edit their own names and phone number.
func (e *Engine) UpdateProfile(ctx context.Context, actor Actor, msg UpdateProfileMessage) (*User, error) {
	if actor.IsZero() {
		return nil, ErrUnauthenticated
	}
	if err := msg.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	phone, err := NormalizePhone(msg.Phone, msg.Region)
	if err != nil {
		return nil, validationFailure(err)
	}

	ctx, cancel := context.WithTimeout(WithActor(ctx, actor), e.timeout)
	defer cancel()

	var user *User
	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.repo.Users().UpdateProfileTx(ctx, tx, actor.UserID, Profile{
			FirstName: msg.FirstName,
			LastName:  msg.LastName,
			Phone:     phone,
		}); err != nil {
			return err
		}
		var err error
		user, err = e.repo.Users().FindByIDTx(ctx, tx, actor.UserID)
		return err
	})
	if err != nil {
		return nil, transientFailure(err, "failed to update profile")
	}

	uid := actor.UserID.String()
	e.record(ctx, ActivityEventUserUpdated, uid, uid, map[string]any{
		"fields": []string{"first_name", "last_name", "phone_number"},
	})
	return user, nil
}

// ListRoles returns every role ordered by name.
func (e *Engine) ListRoles(ctx context.Context) ([]*Role, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	roles, err := e.repo.Roles().List(ctx)
	if err != nil {
		return nil, transientFailure(err, "failed to list roles")
	}
	return roles, nil
}

// CreateRole adds a role, failing with ErrRoleExists on a name clash.
func (e *Engine) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	role, err := e.repo.Roles().Create(ctx, name, description)
	if err != nil {
		return nil, transientFailure(err, "failed to create role")
	}
	return role, nil
}

// UpdateRole renames or redescribes a role.
func (e *Engine) UpdateRole(ctx context.Context, id uuid.UUID, name, description string) (*Role, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	role, err := e.repo.Roles().Update(ctx, id, name, description)
	if err != nil {
		return nil, transientFailure(err, "failed to update role")
	}
	return role, nil
}

// GetRole loads a role by id.
func (e *Engine) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	role, err := e.repo.Roles().GetByID(ctx, id)
	if err != nil {
		return nil, transientFailure(err, "failed to load role")
	}
	return role, nil
}

// SeedRoles makes sure every builtin role exists.
func (e *Engine) SeedRoles(ctx context.Context) ([]*Role, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out := make([]*Role, 0, len(BuiltinRoles))
	for _, rt := range BuiltinRoles {
		role, err := e.repo.Roles().GetOrCreate(ctx, rt.String())
		if err != nil {
			return nil, transientFailure(err, "failed to seed roles")
		}
		out = append(out, role)
	}
	return out, nil
}

func actorID(actor Actor) string {
	if actor.IsZero() {
		return ""
	}
	return actor.UserID.String()
}
