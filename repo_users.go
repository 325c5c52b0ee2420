package auth

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Users interface {
	repository.Repository[*User]

	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	EmailTakenTx(ctx context.Context, tx bun.IDB, email string, exclude uuid.UUID) (bool, error)
	RegisterTx(ctx context.Context, tx bun.IDB, user *User, roles []*Role) (*User, error)
	SetRolesTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, roles []*Role) error
	Page(ctx context.Context, limit, offset int) ([]*User, int, error)

	UpdatePasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
	UpdateEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error
	UpdateProfileTx(ctx context.Context, tx bun.IDB, id uuid.UUID, profile Profile) error
	MarkVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	SetActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, active bool) error

	TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, user *User, at time.Time) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, user *User, at time.Time) error
}

// Profile holds the self service editable user fields.
type Profile struct {
	FirstName string
	LastName  string
	Phone     string
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

func withRoles(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Relation("Roles")
}

// FindByEmailTx loads a user and its roles by email.
func (a *users) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	user, err := a.Repository.GetByIdentifierTx(ctx, tx, NormalizeEmail(email), withRoles)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// FindByIDTx loads a user and its roles by id.
func (a *users) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	user := &User{}
	err := tx.NewSelect().
		Model(user).
		Relation("Roles").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (a *users) EmailTakenTx(ctx context.Context, tx bun.IDB, email string, exclude uuid.UUID) (bool, error) {
	q := tx.NewSelect().
		Model((*User)(nil)).
		Where("?TableAlias.email = ?", NormalizeEmail(email))
	if exclude != uuid.Nil {
		q = q.Where("?TableAlias.id != ?", exclude)
	}
	return q.Exists(ctx)
}

// Page lists users with their roles, newest first, with the total count.
func (a *users) Page(ctx context.Context, limit, offset int) ([]*User, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var out []*User
	total, err := withRoles(a.db.NewSelect().Model(&out)).
		Order("usr.created_at DESC").
		Limit(limit).
		Offset(offset).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// RegisterTx inserts the user and links its roles. A duplicate email
// yields ErrEmailTaken.
func (a *users) RegisterTx(ctx context.Context, tx bun.IDB, user *User, roles []*Role) (*User, error) {
	prepareUserDefaults(user)

	created, err := a.Repository.CreateTx(ctx, tx, user)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	if err := a.SetRolesTx(ctx, tx, created.ID, roles); err != nil {
		return nil, err
	}
	created.Roles = roles

	return created, nil
}

// SetRolesTx replaces the user's role links.
func (a *users) SetRolesTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, roles []*Role) error {
	if _, err := tx.NewDelete().
		Model((*UserToRole)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx); err != nil {
		return err
	}

	if len(roles) == 0 {
		return nil
	}

	links := make([]*UserToRole, 0, len(roles))
	seen := map[uuid.UUID]bool{}
	for _, r := range roles {
		if r == nil || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		links = append(links, &UserToRole{UserID: userID, RoleID: r.ID})
	}

	_, err := tx.NewInsert().Model(&links).Exec(ctx)
	return err
}

func (a *users) UpdatePasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	return a.updateColumns(ctx, tx, id, map[string]any{
		"password_hash":    passwordHash,
		"login_attempts":   0,
		"login_attempt_at": nil,
	})
}

func (a *users) UpdateEmailTx(ctx context.Context, tx bun.IDB, id uuid.UUID, email string) error {
	err := a.updateColumns(ctx, tx, id, map[string]any{
		"email": NormalizeEmail(email),
	})
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (a *users) UpdateProfileTx(ctx context.Context, tx bun.IDB, id uuid.UUID, profile Profile) error {
	return a.updateColumns(ctx, tx, id, map[string]any{
		"first_name":   strings.TrimSpace(profile.FirstName),
		"last_name":    strings.TrimSpace(profile.LastName),
		"phone_number": profile.Phone,
	})
}

func (a *users) MarkVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	return a.updateColumns(ctx, tx, id, map[string]any{
		"is_verified": true,
	})
}

func (a *users) SetActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, active bool) error {
	return a.updateColumns(ctx, tx, id, map[string]any{
		"is_active": active,
	})
}

func (a *users) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, user *User, at time.Time) error {
	return a.updateColumns(ctx, tx, user.ID, map[string]any{
		"loggedin_at":      at,
		"login_attempt_at": nil,
		"login_attempts":   0,
	})
}

func (a *users) TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, user *User, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("login_attempts = login_attempts + 1").
		Set("login_attempt_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", user.ID).
		Exec(ctx)
	return err
}

func (a *users) updateColumns(ctx context.Context, tx bun.IDB, id uuid.UUID, columns map[string]any) error {
	q := tx.NewUpdate().Model((*User)(nil))
	for column, value := range columns {
		q = q.Set("? = ?", bun.Ident(column), value)
	}

	now := time.Now().UTC()
	q = q.Set("updated_at = ?", now)
	if by, ok := actorIDFromContext(ctx); ok {
		q = q.Set("updated_by = ?", by)
	}

	res, err := q.Where("id = ?", id).Exec(ctx)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}

	record.Email = NormalizeEmail(record.Email)

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}

// NormalizeEmail trims and lower cases an address so lookups are
// case insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
