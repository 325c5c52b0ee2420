package auth

import (
	"context"

	"github.com/uptrace/bun"
)

// RegisterModels registers the join models bun needs to resolve m2m
// relations. It must run before any query touches User.Roles.
func RegisterModels(db *bun.DB) {
	db.RegisterModel((*UserToRole)(nil))
}

type schemaIndex struct {
	model   any
	name    string
	columns []string
}

var schemaIndexes = []schemaIndex{
	{(*User)(nil), "idx_users_is_active_is_verified", []string{"is_active", "is_verified"}},
	{(*RefreshToken)(nil), "idx_refresh_tokens_user_id", []string{"user_id"}},
	{(*RefreshToken)(nil), "idx_refresh_tokens_expiry_date", []string{"expiry_date"}},
	{(*RefreshToken)(nil), "idx_refresh_tokens_user_id_ip", []string{"user_id", "ip_address"}},
	{(*VerificationToken)(nil), "idx_verification_tokens_user_id_type", []string{"user_id", "token_type"}},
	{(*VerificationToken)(nil), "idx_verification_tokens_expiry_date", []string{"expiry_date"}},
}

// CreateSchema creates every table and index the package needs. It is
// idempotent and dialect neutral.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	RegisterModels(db)

	models := []any{
		(*Role)(nil),
		(*User)(nil),
		(*UserToRole)(nil),
		(*RefreshToken)(nil),
		(*VerificationToken)(nil),
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range models {
			if _, err := tx.NewCreateTable().
				Model(model).
				IfNotExists().
				WithForeignKeys().
				Exec(ctx); err != nil {
				return err
			}
		}

		for _, idx := range schemaIndexes {
			if _, err := tx.NewCreateIndex().
				Model(idx.model).
				Index(idx.name).
				Column(idx.columns...).
				IfNotExists().
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
