package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RefreshTokenStore persists sessions. Every method that takes a raw
// token hashes it before touching the datastore.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID uuid.UUID, meta SessionMetadata, ttl time.Duration) (string, *RefreshToken, error)
	IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, meta SessionMetadata, ttl time.Duration) (string, *RefreshToken, error)
	Rotate(ctx context.Context, raw string, ttl time.Duration) (string, *RefreshToken, error)
	RotateTx(ctx context.Context, tx bun.IDB, raw string, ttl time.Duration) (string, *RefreshToken, error)
	FindActiveTx(ctx context.Context, tx bun.IDB, raw string) (*RefreshToken, error)
	Revoke(ctx context.Context, raw string) error
	RevokeTx(ctx context.Context, tx bun.IDB, raw string) error
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)
	RevokeAllTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, except ...uuid.UUID) (int64, error)
	RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) error
	ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error)
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
	ActiveSessionsByIP(ctx context.Context, userID uuid.UUID, ip string) ([]*RefreshToken, error)
	IsSessionActive(ctx context.Context, userID, sessionID uuid.UUID) (bool, error)
	Touch(ctx context.Context, raw string) error
	TouchSession(ctx context.Context, userID, sessionID uuid.UUID) error
	DeleteStale(ctx context.Context, retention time.Duration) (int64, error)
}

type refreshTokens struct {
	db     *bun.DB
	hasher TokenHasher
	now    func() time.Time
}

var _ RefreshTokenStore = (*refreshTokens)(nil)

func NewRefreshTokenStore(db *bun.DB, hasher TokenHasher, now func() time.Time) RefreshTokenStore {
	if hasher == nil {
		hasher = TokenHasherFunc(HashToken)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &refreshTokens{db: db, hasher: hasher, now: now}
}

func (s *refreshTokens) Issue(ctx context.Context, userID uuid.UUID, meta SessionMetadata, ttl time.Duration) (string, *RefreshToken, error) {
	return s.IssueTx(ctx, s.db, userID, meta, ttl)
}

func (s *refreshTokens) IssueTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, meta SessionMetadata, ttl time.Duration) (string, *RefreshToken, error) {
	raw, err := GenerateOpaqueToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	record := &RefreshToken{
		ID:         uuid.New(),
		TokenHash:  s.hasher.Hash(raw),
		UserID:     userID,
		ExpiresAt:  now.Add(ttl),
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		LastUsedAt: &now,
		Auditable:  Auditable{CreatedAt: now, UpdatedAt: now},
	}

	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return "", nil, err
	}

	return raw, record, nil
}

func (s *refreshTokens) Rotate(ctx context.Context, raw string, ttl time.Duration) (string, *RefreshToken, error) {
	var (
		next    string
		created *RefreshToken
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		next, created, err = s.RotateTx(ctx, tx, raw, ttl)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return next, created, nil
}

// RotateTx revokes the presented token and issues its successor. The
// revoke is a conditional update, so of two concurrent rotations of the
// same token only one matches a row; the other gets ErrRefreshTokenInvalid.
func (s *refreshTokens) RotateTx(ctx context.Context, tx bun.IDB, raw string, ttl time.Duration) (string, *RefreshToken, error) {
	current, err := s.FindActiveTx(ctx, tx, raw)
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked = ?", true).
		Set("revoked_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", current.ID).
		Where("revoked = ?", false).
		Where("expiry_date > ?", now).
		Exec(ctx)
	if err != nil {
		return "", nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", nil, err
	}
	if n != 1 {
		return "", nil, ErrRefreshTokenInvalid
	}

	return s.IssueTx(ctx, tx, current.UserID, SessionMetadata{
		DeviceInfo: current.DeviceInfo,
		IPAddress:  current.IPAddress,
		UserAgent:  current.UserAgent,
	}, ttl)
}

// FindActiveTx returns the session for raw when it is neither revoked
// nor expired.
func (s *refreshTokens) FindActiveTx(ctx context.Context, tx bun.IDB, raw string) (*RefreshToken, error) {
	if raw == "" {
		return nil, ErrRefreshTokenInvalid
	}

	record := &RefreshToken{}
	err := tx.NewSelect().
		Model(record).
		Where("token_hash = ?", s.hasher.Hash(raw)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, err
	}

	if !record.UsableAt(s.now()) {
		return nil, ErrRefreshTokenInvalid
	}
	return record, nil
}

func (s *refreshTokens) Revoke(ctx context.Context, raw string) error {
	return s.RevokeTx(ctx, s.db, raw)
}

// RevokeTx revokes a single session. Unknown or already revoked
// tokens are a no-op.
func (s *refreshTokens) RevokeTx(ctx context.Context, tx bun.IDB, raw string) error {
	if raw == "" {
		return nil
	}
	now := s.now()
	_, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked = ?", true).
		Set("revoked_at = ?", now).
		Set("updated_at = ?", now).
		Where("token_hash = ?", s.hasher.Hash(raw)).
		Where("revoked = ?", false).
		Exec(ctx)
	return err
}

func (s *refreshTokens) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.RevokeAllTx(ctx, s.db, userID)
}

// RevokeAllTx revokes every open session of the user, optionally
// keeping the listed sessions.
func (s *refreshTokens) RevokeAllTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, except ...uuid.UUID) (int64, error) {
	now := s.now()
	q := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked = ?", true).
		Set("revoked_at = ?", now).
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Where("revoked = ?", false)

	keep := make([]uuid.UUID, 0, len(except))
	for _, id := range except {
		if id != uuid.Nil {
			keep = append(keep, id)
		}
	}
	if len(keep) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(keep))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeSession revokes one of the user's sessions by id.
func (s *refreshTokens) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	exists, err := s.db.NewSelect().
		Model((*RefreshToken)(nil)).
		Where("id = ?", sessionID).
		Where("user_id = ?", userID).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	now := s.now()
	_, err = s.db.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked = ?", true).
		Set("revoked_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", sessionID).
		Where("user_id = ?", userID).
		Where("revoked = ?", false).
		Exec(ctx)
	return err
}

func (s *refreshTokens) activeQuery(userID uuid.UUID, model any) *bun.SelectQuery {
	if model == nil {
		model = (*RefreshToken)(nil)
	}
	return s.db.NewSelect().
		Model(model).
		Where("user_id = ?", userID).
		Where("revoked = ?", false).
		Where("expiry_date > ?", s.now())
}

func (s *refreshTokens) ListActiveSessions(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error) {
	var out []*RefreshToken
	if err := s.activeQuery(userID, &out).Order("created_at DESC").Scan(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *refreshTokens) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.activeQuery(userID, nil).Count(ctx)
}

func (s *refreshTokens) ActiveSessionsByIP(ctx context.Context, userID uuid.UUID, ip string) ([]*RefreshToken, error) {
	var out []*RefreshToken
	err := s.activeQuery(userID, &out).
		Where("ip_address = ?", ip).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *refreshTokens) IsSessionActive(ctx context.Context, userID, sessionID uuid.UUID) (bool, error) {
	return s.activeQuery(userID, nil).Where("id = ?", sessionID).Exists(ctx)
}

// Touch records use of a session without rotating it.
func (s *refreshTokens) Touch(ctx context.Context, raw string) error {
	if raw == "" {
		return ErrRefreshTokenInvalid
	}
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("last_used_at = ?", now).
		Where("token_hash = ?", s.hasher.Hash(raw)).
		Where("revoked = ?", false).
		Where("expiry_date > ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRefreshTokenInvalid
	}
	return nil
}

// TouchSession records use of an active session identified by id, as
// carried in the sid claim of an access token.
func (s *refreshTokens) TouchSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("last_used_at = ?", now).
		Where("id = ?", sessionID).
		Where("user_id = ?", userID).
		Where("revoked = ?", false).
		Where("expiry_date > ?", now).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionExpired
	}
	return nil
}

// DeleteStale removes sessions past their expiry, and revoked sessions
// older than the retention window. Both predicates only match rows that
// can no longer be rotated.
func (s *refreshTokens) DeleteStale(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("expiry_date < ?", now).
		WhereOr("revoked = ? AND revoked_at < ?", true, now.Add(-retention)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
