package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/ratelimit"
)

// Limiter takes one unit from the bucket named key.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit throttles a route per client IP. Limiter failures let the
// request through.
func RateLimit(limiter Limiter, scope string, logger auth.Logger) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			if limiter == nil {
				return c.Next()
			}

			key := scope + ":" + ClientIP(c)
			d, err := limiter.Take(c.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable", "key", key, "error", err)
				return c.Next()
			}

			c.SetHeader("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.SetHeader("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

			if !d.Allowed {
				c.SetHeader("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
				return errors.New("rate limit exceeded", errors.CategoryRateLimit).
					WithCode(http.StatusTooManyRequests).
					WithTextCode(auth.TextCodeRateLimited).
					WithMetadata(map[string]any{"scope": scope})
			}
			return c.Next()
		}
	}
}
