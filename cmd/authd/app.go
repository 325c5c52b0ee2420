package main

import (
	"context"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/activitymap"
	"github.com/goliatone/go-auth-lifecycle/config"
	"github.com/goliatone/go-auth-lifecycle/mailer"
	"github.com/goliatone/go-auth-lifecycle/metrics"
	"github.com/goliatone/go-auth-lifecycle/persistence"
	"github.com/goliatone/go-auth-lifecycle/ratelimit"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   *glog.BaseLogger
	client   *persistence.Client
	db       *bun.DB
	repo     auth.RepositoryManager
	tokens   *auth.TokenServiceImpl
	engine   *auth.Engine
	registry *prometheus.Registry
	closers  []func()
}

func bootstrap(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath, flags.envFiles...)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	a := &app{cfg: cfg, logger: newLogger(cfg.Log)}

	hasher, err := auth.NewTokenHasher(cfg.Auth.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("token hash %q: %w", cfg.Auth.TokenHash, err)
	}

	a.client, err = persistence.NewClient(ctx, persistence.Options{
		Driver:       cfg.Persistence.Driver,
		DSN:          cfg.Persistence.DSN,
		MaxOpenConns: cfg.Persistence.MaxOpenConns,
		MaxIdleConns: cfg.Persistence.MaxIdleConns,
		ConnMaxLife:  cfg.Persistence.ConnMaxLife,
		PingTimeout:  cfg.Persistence.PingTimeout,
		Debug:        cfg.Persistence.Debug,
	}, a.named("auth:persistence"), auth.Models()...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.client.Close() })
	a.db = a.client.DB()

	a.repo = auth.NewRepositoryManager(a.db, auth.WithTokenHasher(hasher))
	a.tokens = auth.NewTokenServiceFromConfig(cfg.Auth, a.named("auth:tokens"))

	a.engine = auth.NewEngine(a.repo, a.tokens, auth.NewBcryptHasher(cfg.Auth.BcryptCost), cfg.Auth).
		WithLogger(a.named("auth:engine")).
		WithTimeout(cfg.Auth.OperationTimeout)

	return a, nil
}

func (a *app) named(name string) auth.Logger {
	return a.logger.GetLogger(name)
}

// activity fans events out to the audit log and, when enabled, the
// prometheus sink.
func (a *app) activity() (auth.ActivitySink, error) {
	sinks := auth.MultiActivitySink{activitymap.NewLogSink(a.named("auth:audit"))}
	if !a.cfg.Metrics.Enabled {
		return sinks, nil
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	sink, err := metrics.NewSink(a.registry, metrics.DefaultNamespace)
	if err != nil {
		return nil, err
	}
	return append(sinks, sink), nil
}

// mailer builds the auth.Mailer for the configured transport. The
// returned consumer is nil unless the queue consumer should run in
// process.
func (a *app) mailer() (auth.Mailer, *mailer.QueueConsumer, error) {
	mc := a.cfg.Mail
	renderer, err := mailer.NewRenderer(map[string]any{
		"app_name": a.cfg.HTTP.AppName,
		"base_url": strings.TrimRight(mc.BaseURL, "/"),
	})
	if err != nil {
		return nil, nil, err
	}

	logger := a.named("auth:mailer")
	smtp := func() *mailer.SMTPSender {
		return mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     mc.SMTPHost,
			Port:     mc.SMTPPort,
			Username: mc.SMTPUsername,
			Password: mc.SMTPPassword,
			From:     mc.From,
		}).WithLogger(logger)
	}

	var (
		sender   mailer.Sender
		consumer *mailer.QueueConsumer
	)
	switch mc.Transport {
	case config.MailTransportSMTP:
		sender = smtp()
	case config.MailTransportAMQP:
		publisher := mailer.NewQueuePublisher(mailer.DialChannel(mc.AMQPURL), mc.AMQPQueue).WithLogger(logger)
		a.closers = append(a.closers, func() { _ = publisher.Close() })
		sender = publisher
		if mc.Consume {
			consumer = mailer.NewQueueConsumer(mailer.DialChannel(mc.AMQPURL), mc.AMQPQueue, smtp()).WithLogger(logger)
		}
	default:
		sender = mailer.NewLogSender(logger)
	}

	return mailer.New(renderer, sender).WithLogger(logger), consumer, nil
}

// limiter returns nil when no redis address is configured.
func (a *app) limiter() *ratelimit.TokenBucket {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })

	cfg := ratelimit.DefaultConfig()
	cfg.Capacity = rc.Capacity
	cfg.RefillTokens = rc.RefillTokens
	cfg.RefillInterval = rc.RefillInterval
	cfg.TTL = rc.TTL
	return ratelimit.New(client, cfg)
}

func (a *app) pruner(sink auth.ActivitySink) *auth.SessionPruner {
	return auth.NewSessionPruner(a.repo).
		WithRetention(a.cfg.Auth.Retention).
		WithInterval(a.cfg.Auth.PruneInterval).
		WithActivitySink(sink).
		WithLogger(a.named("auth:pruner"))
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg config.LogConfig) *glog.BaseLogger {
	opts := []glog.Option{
		glog.WithName(appName),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	}
	if cfg.Pretty {
		opts = append(opts, glog.WithLoggerTypePretty())
	}

	switch strings.ToLower(cfg.Level) {
	case "trace":
		opts = append(opts, glog.WithLevel(glog.Trace))
	case "debug":
		opts = append(opts, glog.WithLevel(glog.Debug))
	case "warn", "warning":
		opts = append(opts, glog.WithLevel(glog.Warn))
	case "error":
		opts = append(opts, glog.WithLevel(glog.Error))
	default:
		opts = append(opts, glog.WithLevel(glog.Info))
	}
	return glog.NewLogger(opts...)
}
