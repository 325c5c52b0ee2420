package persistence

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
	persistencebun "github.com/goliatone/go-persistence-bun"
)

// MigrationDialects lists the drivers that ship SQL migrations. Other
// drivers build their schema from the models.
var MigrationDialects = []string{DriverPostgres, DriverSQLite}

// Client owns the bun handle and the SQL migrations applied to it.
type Client struct {
	*persistencebun.Client
	opts Options
}

// NewClient opens the datastore through go-persistence-bun. models are
// registered before the handle is created so m2m joins resolve.
func NewClient(ctx context.Context, opts Options, logger glog.Logger, models ...any) (*Client, error) {
	sqldb, dialect, err := OpenSQL(opts)
	if err != nil {
		return nil, err
	}

	registerModels(models...)

	client, err := persistencebun.New(clientConfig{opts}, sqldb, dialect)
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	if logger != nil {
		client.SetLogger(logger)
	}

	if err := ping(ctx, client.DB(), opts); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	return &Client{Client: client, opts: opts}, nil
}

var registered sync.Map

// registerModels adds models to the process wide registry once per type.
func registerModels(models ...any) {
	for _, m := range models {
		if _, loaded := registered.LoadOrStore(fmt.Sprintf("%T", m), struct{}{}); !loaded {
			persistencebun.RegisterModel(m)
		}
	}
}

// HasSQLMigrations reports whether the driver has a SQL migration set.
func (c *Client) HasSQLMigrations() bool {
	driver := NormalizeDriver(c.opts.Driver)
	for _, d := range MigrationDialects {
		if d == driver {
			return true
		}
	}
	return false
}

// ApplyMigrations validates the dialect migration tree rooted at root
// inside fsys and applies it.
func (c *Client) ApplyMigrations(ctx context.Context, fsys fs.FS, root string) (string, error) {
	sub, err := fs.Sub(fsys, root)
	if err != nil {
		return "", err
	}

	c.RegisterDialectMigrations(
		sub,
		persistencebun.WithDialectSourceLabel(root),
		persistencebun.WithValidationTargets(MigrationDialects...),
	)
	if err := c.ValidateDialects(ctx); err != nil {
		return "", err
	}
	if err := c.Migrate(ctx); err != nil {
		return "", err
	}

	if report := c.Report(); report != nil && !report.IsZero() {
		return report.String(), nil
	}
	return "", nil
}

func (c *Client) Close() error {
	return c.DB().Close()
}

type clientConfig struct {
	opts Options
}

func (c clientConfig) GetDebug() bool {
	return c.opts.Debug
}

func (c clientConfig) GetDriver() string {
	return NormalizeDriver(c.opts.Driver)
}

func (c clientConfig) GetServer() string {
	return c.opts.DSN
}

func (c clientConfig) GetPingTimeout() time.Duration {
	if c.opts.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.opts.PingTimeout
}

func (c clientConfig) GetOtelIdentifier() string {
	if c.opts.OtelIdentifier != "" {
		return c.opts.OtelIdentifier
	}
	return NormalizeDriver(c.opts.Driver)
}
