package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/spf13/cobra"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/httpapi"
	"github.com/goliatone/go-auth-lifecycle/metrics"
	"github.com/goliatone/go-auth-lifecycle/middleware/csrf"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the auth HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the schema migrations before serving")
	return cmd
}

func serve(ctx context.Context, flags *globalFlags, migrate bool) error {
	a, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.named("authd")

	if migrate {
		report, err := a.migrate(ctx, false)
		if err != nil {
			return err
		}
		if report != "" {
			logger.Info("migrations applied", "report", report)
		}
	}

	sink, err := a.activity()
	if err != nil {
		return err
	}

	mail, consumer, err := a.mailer()
	if err != nil {
		return err
	}

	a.engine.WithMailer(mail).WithActivitySink(sink)

	pruner := a.pruner(sink)
	if err := pruner.Start(ctx); err != nil {
		return err
	}
	defer pruner.Stop()

	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("mail consumer stopped", "error", err)
			}
		}()
	}

	validator := auth.NewSessionBoundValidator(a.tokens, a.engine)

	cookie := httpapi.CookieConfig{
		Name:     a.cfg.HTTP.CookieName,
		Path:     a.cfg.HTTP.CookiePath,
		Domain:   a.cfg.HTTP.CookieDomain,
		Secure:   a.cfg.HTTP.CookieSecure,
		SameSite: a.cfg.HTTP.CookieSameSite,
	}

	controller := httpapi.NewController(a.engine, validator).
		WithCookie(cookie).
		WithLogger(a.named("auth:http")).
		WithRefreshTokenInBody(a.cfg.HTTP.RefreshTokenInBody)
	if a.cfg.HTTP.CSRF {
		controller.WithCSRF(csrf.Config{
			SecureKey:    []byte(a.cfg.HTTP.CSRFKey),
			CookieDomain: a.cfg.HTTP.CookieDomain,
			CookieSecure: a.cfg.HTTP.CookieSecure,
		})
	}
	if limiter := a.limiter(); limiter != nil {
		controller.WithLimiter(limiter)
	}

	srv := httpapi.NewServer(a.named("auth:http"), a.cfg.HTTP.AppName)
	if a.registry != nil {
		srv.WrappedRouter().Get(a.cfg.Metrics.Path, adaptor.HTTPHandler(metrics.Handler(a.registry)))
	}
	controller.Register(srv.Router())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", a.cfg.HTTP.Addr, "version", Version)
		errCh <- srv.Serve(a.cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.WrappedRouter().ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := a.engine.Close(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	} else if err != nil {
		logger.Warn("pending emails dropped on shutdown", "error", err)
	}
	return nil
}
