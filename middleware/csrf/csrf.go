// Package csrf protects cookie-authenticated routes with signed
// double-submit tokens.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-router"
)

var (
	ErrTokenMismatch    = errors.New("CSRF token mismatch")
	ErrTokenMissing     = errors.New("CSRF token missing")
	ErrTokenExpired     = errors.New("CSRF token expired")
	ErrSecureKeyMissing = errors.New("CSRF secure key must be at least 32 bytes")
)

const (
	DefaultTokenLength = 32
	DefaultContextKey  = "csrf_token"
	DefaultCookieName  = "csrf_token"
	DefaultHeaderName  = "X-CSRF-Token"
)

// Config defines the configuration for the CSRF middleware.
type Config struct {
	// Skip bypasses the middleware for a request.
	Skip func(router.Context) bool

	TokenLength int
	ContextKey  string
	HeaderName  string

	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite string

	// SafeMethods only issue tokens, they are never validated.
	SafeMethods []string

	Expiration time.Duration

	// SecureKey signs tokens. A random key is generated when empty, which
	// only works for a single process.
	SecureKey []byte

	ErrorHandler router.ErrorHandler

	Now func() time.Time
}

// New creates the CSRF middleware. Safe requests receive a token in a
// readable cookie and in the response header. Unsafe requests must echo
// the cookie value in the header.
func New(config ...Config) router.MiddlewareFunc {
	cfg, err := configDefault(config...)
	if err != nil {
		panic(fmt.Errorf("csrf: %w", err))
	}

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Skip != nil && cfg.Skip(ctx) {
				return ctx.Next()
			}

			cookieToken := ctx.Cookies(cfg.CookieName)

			method := strings.ToUpper(ctx.Method())
			if slices.Contains(cfg.SafeMethods, method) {
				token := cookieToken
				if cfg.validate(token) != nil {
					fresh, err := cfg.generate()
					if err != nil {
						return cfg.ErrorHandler(ctx, err)
					}
					token = fresh
					cfg.setCookie(ctx, token)
				}
				ctx.Locals(cfg.ContextKey, token)
				ctx.SetHeader(cfg.HeaderName, token)
				return ctx.Next()
			}

			received := strings.TrimSpace(ctx.Header(cfg.HeaderName))
			if received == "" || cookieToken == "" {
				return cfg.ErrorHandler(ctx, ErrTokenMissing)
			}
			if subtle.ConstantTimeCompare([]byte(received), []byte(cookieToken)) != 1 {
				return cfg.ErrorHandler(ctx, ErrTokenMismatch)
			}
			if err := cfg.validate(received); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, received)
			return ctx.Next()
		}
	}
}

// TokenFrom returns the token stored under DefaultContextKey.
func TokenFrom(ctx router.Context) string {
	token, _ := ctx.Locals(DefaultContextKey).(string)
	return token
}

// generate returns base64("<unix>:<nonce>:<hmac>").
func (cfg Config) generate() (string, error) {
	nonce := make([]byte, cfg.TokenLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	payload := fmt.Sprintf("%d:%s", cfg.Now().UTC().Unix(), hex.EncodeToString(nonce))
	token := payload + ":" + hex.EncodeToString(cfg.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (cfg Config) validate(token string) error {
	if token == "" {
		return ErrTokenMissing
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return ErrTokenMismatch
	}

	timestamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrTokenMismatch
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return ErrTokenMismatch
	}
	signature, err := hex.DecodeString(parts[2])
	if err != nil {
		return ErrTokenMismatch
	}

	if !hmac.Equal(signature, cfg.sign(parts[0]+":"+parts[1])) {
		return ErrTokenMismatch
	}

	if cfg.Expiration > 0 && cfg.Now().UTC().After(time.Unix(timestamp, 0).Add(cfg.Expiration)) {
		return ErrTokenExpired
	}
	return nil
}

func (cfg Config) sign(payload string) []byte {
	mac := hmac.New(sha256.New, cfg.SecureKey)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func (cfg Config) setCookie(ctx router.Context, token string) {
	ctx.Cookie(&router.Cookie{
		Name:     cfg.CookieName,
		Value:    token,
		Path:     cfg.CookiePath,
		Domain:   cfg.CookieDomain,
		Expires:  cfg.Now().Add(cfg.Expiration),
		Secure:   cfg.CookieSecure,
		HTTPOnly: false,
		SameSite: cfg.CookieSameSite,
	})
}

func configDefault(config ...Config) (Config, error) {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}
	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "Strict"
	}
	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace}
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = 24 * time.Hour
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch {
	case len(cfg.SecureKey) == 0:
		cfg.SecureKey = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, cfg.SecureKey); err != nil {
			return cfg, fmt.Errorf("unable to initialize secure key: %w", err)
		}
	case len(cfg.SecureKey) < 32:
		return cfg, ErrSecureKeyMissing
	}

	return cfg, nil
}

func defaultErrorHandler(ctx router.Context, err error) error {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return ctx.Status(router.StatusForbidden).SendString("CSRF token missing")
	case errors.Is(err, ErrTokenMismatch):
		return ctx.Status(router.StatusForbidden).SendString("CSRF token mismatch")
	case errors.Is(err, ErrTokenExpired):
		return ctx.Status(router.StatusForbidden).SendString("CSRF token expired")
	}
	return ctx.Status(router.StatusInternalServerError).SendString("CSRF validation error")
}
