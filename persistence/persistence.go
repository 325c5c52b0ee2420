// Package persistence opens the relational datastore backing the auth
// stores and classifies driver errors the stores need to react to.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// NormalizeDriver maps driver aliases to the Driver constants.
func NormalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql", "pgx":
		return DriverPostgres
	case DriverMySQL:
		return DriverMySQL
	case DriverSQLite, "sqlite3", "":
		return DriverSQLite
	}
	return driver
}

// Options describes how to reach the datastore.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	PingTimeout  time.Duration
	Debug        bool
	// OtelIdentifier names the datastore in traces emitted by the
	// migration client.
	OtelIdentifier string
}

// Open connects to the datastore and wraps it in a bun.DB with the
// dialect matching the driver.
func Open(ctx context.Context, opts Options) (*bun.DB, error) {
	sqldb, dialect, err := OpenSQL(opts)
	if err != nil {
		return nil, err
	}

	db := bun.NewDB(sqldb, dialect)
	if opts.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if err := ping(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQL opens the pooled driver connection and returns it with the
// bun dialect for the driver.
func OpenSQL(opts Options) (*sql.DB, schema.Dialect, error) {
	sqldb, dialect, err := openSQL(opts)
	if err != nil {
		return nil, nil, err
	}

	if opts.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLife > 0 {
		sqldb.SetConnMaxLifetime(opts.ConnMaxLife)
	}
	return sqldb, dialect, nil
}

func ping(ctx context.Context, db *bun.DB, opts Options) error {
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping %s: %w", opts.Driver, err)
	}
	return nil
}

func openSQL(opts Options) (*sql.DB, schema.Dialect, error) {
	switch NormalizeDriver(opts.Driver) {
	case DriverPostgres:
		sqldb, err := sql.Open("pgx", opts.DSN)
		return sqldb, pgdialect.New(), err
	case DriverMySQL:
		dsn := opts.DSN
		if !strings.Contains(dsn, "parseTime") {
			dsn = appendParam(dsn, "parseTime=true")
		}
		sqldb, err := sql.Open("mysql", dsn)
		return sqldb, mysqldialect.New(), err
	case DriverSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err == nil {
			// sqlite allows a single writer
			sqldb.SetMaxOpenConns(1)
		}
		return sqldb, sqlitedialect.New(), err
	default:
		return nil, nil, fmt.Errorf("unsupported persistence driver %q", opts.Driver)
	}
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// IsUniqueViolation reports whether err comes from a unique constraint
// on any of the supported drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") ||
			strings.Contains(msg, "duplicate key value") {
			return true
		}
	}
	return false
}
