package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/middleware/csrf"
	"github.com/goliatone/go-auth-lifecycle/persistence"
	"github.com/goliatone/go-auth-lifecycle/ratelimit"
)

const testPassword = "correct-horse-battery"

type testConfig struct{}

func (testConfig) GetSigningKey() string                           { return "0123456789abcdef0123456789abcdef" }
func (testConfig) GetIssuer() string                               { return "test-issuer" }
func (testConfig) GetAudience() []string                           { return []string{"test-audience"} }
func (testConfig) GetAccessTokenTTL() time.Duration                { return 15 * time.Minute }
func (testConfig) GetRefreshTokenTTL() time.Duration               { return 24 * time.Hour }
func (testConfig) GetVerificationTTL(auth.TokenType) time.Duration { return time.Hour }
func (testConfig) GetRequireVerified() bool                        { return false }
func (testConfig) GetMaxLoginAttempts() int                        { return 0 }
func (testConfig) GetLoginCooldown() time.Duration                 { return 0 }

type codeMailer struct {
	mu    sync.Mutex
	codes map[auth.TemplateID]string
}

func (m *codeMailer) Send(_ context.Context, _ string, template auth.TemplateID, vars map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = map[auth.TemplateID]string{}
	}
	m.codes[template], _ = vars["code"].(string)
	return nil
}

type limiterStub struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (l *limiterStub) Take(_ context.Context, key string) (ratelimit.Decision, error) {
	l.keys = append(l.keys, key)
	return l.decision, l.err
}

type server struct {
	app    *fiber.App
	engine *auth.Engine
	mailer *codeMailer
}

func newServer(t *testing.T, configure func(*Controller)) *server {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?cache=shared", filepath.Join(t.TempDir(), "http.db"))
	db, err := persistence.Open(ctx, persistence.Options{Driver: persistence.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, auth.CreateSchema(ctx, db))

	cfg := testConfig{}
	repo := auth.NewRepositoryManager(db)
	tokens := auth.NewTokenServiceFromConfig(cfg, nil)
	mailer := &codeMailer{}
	engine := auth.NewEngine(repo, tokens, auth.NewBcryptHasher(bcrypt.MinCost), cfg).WithMailer(mailer)

	controller := NewController(engine, auth.NewSessionBoundValidator(tokens, repo.RefreshTokens()))
	if configure != nil {
		configure(controller)
	}

	srv := NewServer(nil, "auth-test")
	controller.Register(srv.Router())

	return &server{app: srv.WrappedRouter(), engine: engine, mailer: mailer}
}

func (s *server) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	res, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func cookieNamed(res *http.Response, name string) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (s *server) signup(t *testing.T, email string) {
	t.Helper()
	res := s.do(t, http.MethodPost, "/auth/register", RegisterPayload{
		FirstName:       "Jane",
		LastName:        "Doe",
		Email:           email,
		Password:        testPassword,
		ConfirmPassword: testPassword,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
}

func (s *server) login(t *testing.T, email string) (TokenResponse, *http.Cookie) {
	t.Helper()
	res := s.do(t, http.MethodPost, "/auth/login", LoginPayload{Email: email, Password: testPassword})
	require.Equal(t, http.StatusOK, res.StatusCode)
	cookie := cookieNamed(res, "refresh_token")
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	return decode[TokenResponse](t, res), cookie
}

func TestLoginRefreshLogoutOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	s.signup(t, "http@example.com")

	tokens, cookie := s.login(t, "http@example.com")
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Empty(t, tokens.RefreshToken)

	res := s.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusOK, res.StatusCode)
	rotated := cookieNamed(res, "refresh_token")
	require.NotNil(t, rotated)
	assert.NotEqual(t, cookie.Value, rotated.Value)

	res = s.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) { r.AddCookie(cookie) })
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	envelope := decode[ErrorEnvelope](t, res)
	assert.Equal(t, auth.TextCodeSessionExpired, envelope.Error.TextCode)

	res = s.do(t, http.MethodPost, "/auth/logout", nil, func(r *http.Request) { r.AddCookie(rotated) })
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestProtectedRoutes(t *testing.T) {
	s := newServer(t, nil)
	s.signup(t, "me@example.com")
	tokens, _ := s.login(t, "me@example.com")
	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tokens.AccessToken) }

	res := s.do(t, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = s.do(t, http.MethodGet, "/auth/sessions", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = s.do(t, http.MethodGet, "/admin/users", nil, bearer)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = s.do(t, http.MethodPost, "/auth/logout-all", LogoutPayload{RefreshToken: "missing"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRevokedSessionRejectsAccessToken(t *testing.T) {
	s := newServer(t, nil)
	s.signup(t, "revoked@example.com")
	tokens, cookie := s.login(t, "revoked@example.com")
	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tokens.AccessToken) }

	res := s.do(t, http.MethodPost, "/auth/logout", nil, func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = s.do(t, http.MethodGet, "/me", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, auth.TextCodeSessionExpired, decode[ErrorEnvelope](t, res).Error.TextCode)
}

func TestValidationErrorEnvelope(t *testing.T) {
	s := newServer(t, nil)

	res := s.do(t, http.MethodPost, "/auth/register", RegisterPayload{
		Email:           "not-an-email",
		Password:        "abc",
		ConfirmPassword: "xyz",
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	envelope := decode[ErrorEnvelope](t, res)
	assert.Equal(t, auth.TextCodeValidationFailed, envelope.Error.TextCode)
	assert.Contains(t, envelope.Error.Fields, "email")
	assert.Contains(t, envelope.Error.Fields, "confirm_password")
}

func TestToErrorBody(t *testing.T) {
	body := toErrorBody(auth.ErrInvalidCredentials)
	assert.Equal(t, http.StatusUnauthorized, body.Code)
	assert.Equal(t, auth.TextCodeInvalidCredentials, body.TextCode)

	body = toErrorBody(errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, body.Code)
	assert.Equal(t, internalMessage, body.Message)

	body = toErrorBody(fiber.NewError(http.StatusTooManyRequests, "slow down"))
	assert.Equal(t, auth.TextCodeRateLimited, body.TextCode)
	assert.Equal(t, "slow down", body.Message)

	body = toErrorBody(badRequest("invalid id"))
	assert.Equal(t, http.StatusBadRequest, body.Code)
	assert.Equal(t, auth.TextCodeValidationFailed, body.TextCode)
	assert.Equal(t, "invalid id", body.Message)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := &limiterStub{decision: ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond}}
	s := newServer(t, func(c *Controller) { c.WithLimiter(limiter) })

	res := s.do(t, http.MethodPost, "/auth/login", LoginPayload{Email: "x@example.com", Password: "whatever"},
		func(r *http.Request) { r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1") })

	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "2", res.Header.Get("Retry-After"))
	assert.Equal(t, "5", res.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"login:198.51.100.7"}, limiter.keys)
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &limiterStub{err: errors.New("redis unavailable")}
	s := newServer(t, func(c *Controller) { c.WithLimiter(limiter) })

	res := s.do(t, http.MethodPost, "/auth/login", LoginPayload{Email: "ghost@example.com", Password: "whatever"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Len(t, limiter.keys, 1)
}

func TestCSRFGuardsCookieRoutes(t *testing.T) {
	s := newServer(t, func(c *Controller) {
		c.WithCSRF(csrf.Config{SecureKey: []byte("0123456789abcdef0123456789abcdef")})
	})
	s.signup(t, "csrf@example.com")
	_, cookie := s.login(t, "csrf@example.com")

	res := s.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) { r.AddCookie(cookie) })
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = s.do(t, http.MethodGet, "/auth/csrf", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	csrfCookie := cookieNamed(res, csrf.DefaultCookieName)
	require.NotNil(t, csrfCookie)
	token := decode[map[string]string](t, res)["csrf_token"]
	require.Equal(t, csrfCookie.Value, token)

	res = s.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.AddCookie(cookie)
		r.AddCookie(csrfCookie)
		r.Header.Set(csrf.DefaultHeaderName, token)
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = s.do(t, http.MethodPost, "/auth/refresh", RefreshPayload{RefreshToken: "body-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestClientIP(t *testing.T) {
	srv := NewServer(nil, "auth-test")
	srv.Router().Get("/", func(c router.Context) error { return c.SendString(ClientIP(c)) })
	app := srv.WrappedRouter()

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.2"}, "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.6"}, "203.0.113.6"},
		{"remote", nil, "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			res, err := app.Test(req)
			require.NoError(t, err)
			body, err := io.ReadAll(res.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func (s *server) loginFrom(t *testing.T, email, ip string) TokenResponse {
	t.Helper()
	res := s.do(t, http.MethodPost, "/auth/login", LoginPayload{Email: email, Password: testPassword},
		func(r *http.Request) { r.Header.Set("X-Forwarded-For", ip) })
	require.Equal(t, http.StatusOK, res.StatusCode)
	return decode[TokenResponse](t, res)
}

func bearerOf(tokens TokenResponse) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tokens.AccessToken) }
}

func (s *server) userID(t *testing.T, tokens TokenResponse) uuid.UUID {
	t.Helper()
	res := s.do(t, http.MethodGet, "/me", nil, bearerOf(tokens))
	require.Equal(t, http.StatusOK, res.StatusCode)
	return decode[struct {
		User auth.User `json:"user"`
	}](t, res).User.ID
}

type sessionsBody struct {
	Sessions []auth.SessionInfo `json:"sessions"`
	Active   int                `json:"active"`
}

func TestRevokeAllSessionsOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	s.signup(t, "everywhere@example.com")
	laptop, _ := s.login(t, "everywhere@example.com")
	_, phone := s.login(t, "everywhere@example.com")

	res := s.do(t, http.MethodDelete, "/auth/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = s.do(t, http.MethodDelete, "/auth/sessions", nil, bearerOf(laptop))
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = s.do(t, http.MethodGet, "/me", nil, bearerOf(laptop))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, auth.TextCodeSessionExpired, decode[ErrorEnvelope](t, res).Error.TextCode)

	res = s.do(t, http.MethodPost, "/auth/refresh", nil, func(r *http.Request) { r.AddCookie(phone) })
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestUserSessionsFilteredByIP(t *testing.T) {
	s := newServer(t, nil)
	s.signup(t, "owner@example.com")
	s.signup(t, "other@example.com")

	home := s.loginFrom(t, "owner@example.com", "198.51.100.9")
	s.loginFrom(t, "owner@example.com", "203.0.113.44")
	other := s.loginFrom(t, "other@example.com", "198.51.100.9")

	ownerID := s.userID(t, home)
	path := "/users/" + ownerID.String() + "/sessions"

	res := s.do(t, http.MethodGet, path+"?ip=198.51.100.9", nil, bearerOf(home))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[sessionsBody](t, res)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "198.51.100.9", body.Sessions[0].IPAddress)
	assert.Equal(t, 2, body.Active)

	res = s.do(t, http.MethodGet, path, nil, bearerOf(home))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decode[sessionsBody](t, res)
	assert.Len(t, body.Sessions, 2)

	res = s.do(t, http.MethodGet, path, nil, bearerOf(other))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, auth.TextCodeForbidden, decode[ErrorEnvelope](t, res).Error.TextCode)

	_, err := s.engine.CreateUser(context.Background(), auth.Actor{}, auth.CreateUserMessage{
		FirstName: "Ada",
		LastName:  "Admin",
		Email:     "ada@example.com",
		Password:  testPassword,
		Roles:     []string{"admin"},
	})
	require.NoError(t, err)
	admin := s.loginFrom(t, "ada@example.com", "192.0.2.10")

	res = s.do(t, http.MethodGet, path+"?ip=203.0.113.44", nil, bearerOf(admin))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decode[sessionsBody](t, res)
	require.Len(t, body.Sessions, 1)
	assert.False(t, body.Sessions[0].Current)

	res = s.do(t, http.MethodGet, "/admin/users", nil, bearerOf(admin))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
