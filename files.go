package auth

import (
	"embed"
)

//go:embed data/sql/migrations
var migrationsFS embed.FS

// MigrationsRoot is the directory of the dialect migration tree inside
// the migrations FS.
const MigrationsRoot = "data/sql/migrations"

// GetMigrationsFS returns the SQL migrations for the auth tables.
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// Models lists every persisted model, join models first.
func Models() []any {
	return []any{
		(*UserToRole)(nil),
		(*Role)(nil),
		(*User)(nil),
		(*RefreshToken)(nil),
		(*VerificationToken)(nil),
	}
}
