package httpapi

import (
	"strings"
	"time"

	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-auth-lifecycle"
)

const unknownClientIP = "unknown"

// CookieConfig controls the refresh token cookie.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite string
}

func (c CookieConfig) withDefaults() CookieConfig {
	if c.Name == "" {
		c.Name = "refresh_token"
	}
	if c.Path == "" {
		c.Path = "/auth"
	}
	if c.SameSite == "" {
		c.SameSite = "Strict"
	}
	return c
}

func (c CookieConfig) set(ctx router.Context, raw string, expires time.Time) {
	maxAge := int(time.Until(expires) / time.Second)
	if maxAge < 0 {
		maxAge = 0
	}
	ctx.Cookie(&router.Cookie{
		Name:     c.Name,
		Value:    raw,
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   maxAge,
		Expires:  expires,
		Secure:   c.Secure,
		HTTPOnly: true,
		SameSite: c.SameSite,
	})
}

func (c CookieConfig) clear(ctx router.Context) {
	ctx.Cookie(&router.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   -1,
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		Secure:   c.Secure,
		HTTPOnly: true,
		SameSite: c.SameSite,
	})
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then
// the remote address.
func ClientIP(c router.Context) string {
	if xff := c.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.Header("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := c.IP(); ip != "" {
		return ip
	}
	return unknownClientIP
}

func sessionMetadata(c router.Context, deviceInfo string) auth.SessionMetadata {
	ua := c.Header("User-Agent")
	if deviceInfo == "" {
		deviceInfo = auth.ParseBrowser(ua) + " on " + auth.ParseOS(ua)
	}
	return auth.SessionMetadata{
		DeviceInfo: deviceInfo,
		IPAddress:  ClientIP(c),
		UserAgent:  ua,
	}
}

// TokenResponse is the body returned when a session is opened or
// refreshed. RefreshToken is only set when the controller exposes it.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionID    string    `json:"session_id"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}
