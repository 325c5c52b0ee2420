package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ConsumeStatus is the outcome of consuming a verification token.
type ConsumeStatus int

const (
	ConsumeOK ConsumeStatus = iota
	ConsumeNotFound
	ConsumeExpired
	ConsumeAlreadyUsed
	ConsumeTypeMismatch
)

func (s ConsumeStatus) String() string {
	switch s {
	case ConsumeOK:
		return "ok"
	case ConsumeNotFound:
		return "not_found"
	case ConsumeExpired:
		return "expired"
	case ConsumeAlreadyUsed:
		return "already_used"
	case ConsumeTypeMismatch:
		return "type_mismatch"
	default:
		return "unknown"
	}
}

// ConsumeResult carries the consumed token when Status is ConsumeOK.
type ConsumeResult struct {
	Status ConsumeStatus
	Token  *VerificationToken
}

// OK reports whether the token was consumed by this call.
func (r ConsumeResult) OK() bool {
	return r.Status == ConsumeOK && r.Token != nil
}

// VerificationTokenStore persists single use tokens.
type VerificationTokenStore interface {
	Create(ctx context.Context, userID *uuid.UUID, tokenType TokenType, ttl time.Duration, additionalData string) (string, error)
	CreateTx(ctx context.Context, tx bun.IDB, userID *uuid.UUID, tokenType TokenType, ttl time.Duration, additionalData string) (string, error)
	Consume(ctx context.Context, raw string, expected TokenType) (ConsumeResult, error)
	ConsumeTx(ctx context.Context, tx bun.IDB, raw string, expected TokenType) (ConsumeResult, error)
	InvalidatePendingTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, tokenType TokenType) (int64, error)
	DeleteStale(ctx context.Context, usedRetention time.Duration) (int64, error)
}

type verificationTokens struct {
	db     *bun.DB
	hasher TokenHasher
	now    func() time.Time
}

var _ VerificationTokenStore = (*verificationTokens)(nil)

func NewVerificationTokenStore(db *bun.DB, hasher TokenHasher, now func() time.Time) VerificationTokenStore {
	if hasher == nil {
		hasher = TokenHasherFunc(HashToken)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &verificationTokens{db: db, hasher: hasher, now: now}
}

func (s *verificationTokens) Create(ctx context.Context, userID *uuid.UUID, tokenType TokenType, ttl time.Duration, additionalData string) (string, error) {
	return s.CreateTx(ctx, s.db, userID, tokenType, ttl, additionalData)
}

func (s *verificationTokens) CreateTx(ctx context.Context, tx bun.IDB, userID *uuid.UUID, tokenType TokenType, ttl time.Duration, additionalData string) (string, error) {
	raw, err := GenerateOpaqueToken()
	if err != nil {
		return "", err
	}

	now := s.now()
	record := &VerificationToken{
		ID:             uuid.New(),
		TokenHash:      s.hasher.Hash(raw),
		UserID:         userID,
		ExpiresAt:      now.Add(ttl),
		TokenType:      tokenType,
		AdditionalData: additionalData,
		Auditable:      Auditable{CreatedAt: now, UpdatedAt: now},
	}

	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return "", err
	}
	return raw, nil
}

func (s *verificationTokens) Consume(ctx context.Context, raw string, expected TokenType) (ConsumeResult, error) {
	var result ConsumeResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = s.ConsumeTx(ctx, tx, raw, expected)
		return err
	})
	return result, err
}

// ConsumeTx classifies the token and, when valid, flips used with a
// conditional update. Only one of several concurrent consumers matches
// the row; the others observe ConsumeAlreadyUsed.
func (s *verificationTokens) ConsumeTx(ctx context.Context, tx bun.IDB, raw string, expected TokenType) (ConsumeResult, error) {
	if raw == "" {
		return ConsumeResult{Status: ConsumeNotFound}, nil
	}

	record := &VerificationToken{}
	err := tx.NewSelect().
		Model(record).
		Where("token_hash = ?", s.hasher.Hash(raw)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return ConsumeResult{Status: ConsumeNotFound}, nil
		}
		return ConsumeResult{}, err
	}

	now := s.now()
	switch {
	case record.TokenType != expected:
		return ConsumeResult{Status: ConsumeTypeMismatch}, nil
	case !now.Before(record.ExpiresAt):
		return ConsumeResult{Status: ConsumeExpired}, nil
	case record.Used:
		return ConsumeResult{Status: ConsumeAlreadyUsed}, nil
	}

	res, err := tx.NewUpdate().
		Model((*VerificationToken)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Where("used = ?", false).
		Exec(ctx)
	if err != nil {
		return ConsumeResult{}, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ConsumeResult{}, err
	}
	if n != 1 {
		return ConsumeResult{Status: ConsumeAlreadyUsed}, nil
	}

	record.Used = true
	record.UsedAt = &now
	return ConsumeResult{Status: ConsumeOK, Token: record}, nil
}

// InvalidatePendingTx marks the user's outstanding tokens of a type as
// used, so only the most recently issued one stays valid.
func (s *verificationTokens) InvalidatePendingTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, tokenType TokenType) (int64, error) {
	now := s.now()
	res, err := tx.NewUpdate().
		Model((*VerificationToken)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", now).
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Where("token_type = ?", tokenType).
		Where("used = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteStale removes expired tokens and used tokens older than the
// retention window.
func (s *verificationTokens) DeleteStale(ctx context.Context, usedRetention time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.NewDelete().
		Model((*VerificationToken)(nil)).
		Where("expiry_date < ?", now).
		WhereOr("used = ? AND used_at < ?", true, now.Add(-usedRetention)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
