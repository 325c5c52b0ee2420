package httpapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// NewServer returns a go-router server on the fiber adapter. Errors
// returned by handlers are rendered as ErrorEnvelope values.
func NewServer(logger auth.Logger, appName string) router.Server[*fiber.App] {
	logger = auth.ResolveLogger("auth:http", nil, logger)
	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			AppName:               appName,
			DisableStartupMessage: true,
			ErrorHandler:          NewErrorHandler(logger),
		}))
	})
	srv.Router().WithLogger(logger)
	return srv
}
