package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-auth-lifecycle/persistence"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RoleDirectory resolves and manages roles by name.
type RoleDirectory interface {
	GetOrCreate(ctx context.Context, name string) (*Role, error)
	GetOrCreateTx(ctx context.Context, tx bun.IDB, name string) (*Role, error)
	Create(ctx context.Context, name, description string) (*Role, error)
	Update(ctx context.Context, id uuid.UUID, name, description string) (*Role, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Role, error)
	GetByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
}

type roles struct {
	db  *bun.DB
	now func() time.Time
}

var _ RoleDirectory = (*roles)(nil)

func NewRoleDirectory(db *bun.DB, now func() time.Time) RoleDirectory {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &roles{db: db, now: now}
}

// DefaultRoleDescription is the description given to lazily created roles.
func DefaultRoleDescription(name string) string {
	return fmt.Sprintf("Default role: %s", name)
}

// roleID derives a stable id from the role name so concurrent creators
// of the same role collide on the primary key as well as the name.
func roleID(name string) uuid.UUID {
	if id, err := hashid.NewUUID("role:" + name); err == nil {
		return id
	}
	return uuid.New()
}

func (r *roles) GetOrCreate(ctx context.Context, name string) (*Role, error) {
	return r.GetOrCreateTx(ctx, r.db, name)
}

// GetOrCreateTx returns the named role, inserting it when absent. The
// insert ignores conflicts and the row is fetched again, so racing
// callers all observe the single winning row.
func (r *roles) GetOrCreateTx(ctx context.Context, tx bun.IDB, name string) (*Role, error) {
	name = CanonicalRoleName(name)
	if name == "" {
		return nil, validationFailure(fmt.Errorf("role name is required"))
	}

	role, err := r.GetByNameTx(ctx, tx, name)
	if err == nil {
		return role, nil
	}
	if err != ErrRoleNotFound {
		return nil, err
	}

	now := r.now()
	record := &Role{
		ID:          roleID(name),
		Name:        name,
		Description: DefaultRoleDescription(name),
		Active:      true,
		Auditable:   Auditable{CreatedAt: now, UpdatedAt: now},
	}

	if _, err := tx.NewInsert().Model(record).Ignore().Exec(ctx); err != nil && !isUniqueViolation(err) {
		return nil, err
	}

	return r.GetByNameTx(ctx, tx, name)
}

func (r *roles) Create(ctx context.Context, name, description string) (*Role, error) {
	name = CanonicalRoleName(name)
	if name == "" {
		return nil, validationFailure(fmt.Errorf("role name is required"))
	}

	record := &Role{}
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*Role)(nil)).Where("name = ?", name).Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return ErrRoleExists
		}

		now := r.now()
		record = &Role{
			ID:          uuid.New(),
			Name:        name,
			Description: strings.TrimSpace(description),
			Active:      true,
			Auditable:   Auditable{CreatedAt: now, UpdatedAt: now},
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return ErrRoleExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *roles) Update(ctx context.Context, id uuid.UUID, name, description string) (*Role, error) {
	name = CanonicalRoleName(name)
	if name == "" {
		return nil, validationFailure(fmt.Errorf("role name is required"))
	}

	var record *Role
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := r.getByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}

		held, err := tx.NewSelect().
			Model((*Role)(nil)).
			Where("name = ?", name).
			Where("id != ?", id).
			Exists(ctx)
		if err != nil {
			return err
		}
		if held {
			return ErrRoleExists
		}

		current.Name = name
		current.Description = strings.TrimSpace(description)
		current.UpdatedAt = r.now()

		if _, err := tx.NewUpdate().
			Model(current).
			Column("name", "description", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return ErrRoleExists
			}
			return err
		}
		record = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *roles) GetByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	return r.getByIDTx(ctx, r.db, id)
}

func (r *roles) getByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error) {
	role := &Role{}
	if err := tx.NewSelect().Model(role).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		if isNotFound(err) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	return role, nil
}

func (r *roles) GetByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error) {
	role := &Role{}
	err := tx.NewSelect().
		Model(role).
		Where("name = ?", CanonicalRoleName(name)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	return role, nil
}

func (r *roles) List(ctx context.Context) ([]*Role, error) {
	var out []*Role
	if err := r.db.NewSelect().Model(&out).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return persistence.IsUniqueViolation(err)
}
