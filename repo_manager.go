package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Users() Users
	Roles() RoleDirectory
	RefreshTokens() RefreshTokenStore
	VerificationTokens() VerificationTokenStore
}

// ManagerOption configures the repository manager.
type ManagerOption func(*mngr)

// WithClock sets the time source shared by every store.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *mngr) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenHasher sets the digest used for refresh and verification tokens.
func WithTokenHasher(h TokenHasher) ManagerOption {
	return func(m *mngr) {
		if h != nil {
			m.hasher = h
		}
	}
}

type mngr struct {
	db                 *bun.DB
	now                func() time.Time
	hasher             TokenHasher
	users              Users
	roles              RoleDirectory
	refreshTokens      RefreshTokenStore
	verificationTokens VerificationTokenStore
}

func NewRepositoryManager(db *bun.DB, opts ...ManagerOption) RepositoryManager {
	RegisterModels(db)

	m := &mngr{
		db:     db,
		now:    time.Now,
		hasher: TokenHasherFunc(HashToken),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.users = NewUsersRepository(db)
	m.roles = NewRoleDirectory(db, m.utcNow)
	m.refreshTokens = NewRefreshTokenStore(db, m.hasher, m.utcNow)
	m.verificationTokens = NewVerificationTokenStore(db, m.hasher, m.utcNow)

	return m
}

func (m *mngr) utcNow() time.Time {
	return m.now().UTC()
}

func (m *mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.roles == nil {
		return errors.New("repository roles should be initialized")
	}

	if m.refreshTokens == nil {
		return errors.New("repository refreshTokens should be initialized")
	}

	if m.verificationTokens == nil {
		return errors.New("repository verificationTokens should be initialized")
	}

	return nil
}

func (m *mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m *mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m *mngr) DB() bun.IDB {
	return m.db
}

func (m *mngr) Users() Users {
	return m.users
}

func (m *mngr) Roles() RoleDirectory {
	return m.roles
}

func (m *mngr) RefreshTokens() RefreshTokenStore {
	return m.refreshTokens
}

func (m *mngr) VerificationTokens() VerificationTokenStore {
	return m.verificationTokens
}
