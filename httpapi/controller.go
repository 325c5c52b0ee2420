package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/goliatone/go-router"
	"github.com/google/uuid"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/middleware/csrf"
	"github.com/goliatone/go-auth-lifecycle/middleware/jwtware"
)

// Routes lists the paths the controller mounts, relative to the group it
// is registered on.
type Routes struct {
	Register              string
	Login                 string
	Refresh               string
	Logout                string
	LogoutAll             string
	Verify                string
	ResendVerification    string
	PasswordResetRequest  string
	PasswordReset         string
	PasswordChange        string
	PasswordChangeRequest string
	PasswordChangeConfirm string
	EmailChange           string
	EmailChangeConfirm    string
	Sessions              string
	UserSessions          string
	Me                    string
	AdminUsers            string
	AdminRoles            string
	CSRF                  string
}

func DefaultRoutes() Routes {
	return Routes{
		Register:              "/auth/register",
		Login:                 "/auth/login",
		Refresh:               "/auth/refresh",
		Logout:                "/auth/logout",
		LogoutAll:             "/auth/logout-all",
		Verify:                "/auth/verify",
		ResendVerification:    "/auth/verify/resend",
		PasswordResetRequest:  "/auth/password/reset-request",
		PasswordReset:         "/auth/password/reset",
		PasswordChange:        "/auth/password/change",
		PasswordChangeRequest: "/auth/password/change-request",
		PasswordChangeConfirm: "/auth/password/change-confirm",
		EmailChange:           "/auth/email/change",
		EmailChangeConfirm:    "/auth/email/confirm",
		Sessions:              "/auth/sessions",
		UserSessions:          "/users/:id/sessions",
		Me:                    "/me",
		AdminUsers:            "/admin/users",
		AdminRoles:            "/admin/roles",
		CSRF:                  "/auth/csrf",
	}
}

// RouteRegistrar is the part of a go-router group the controller mounts
// its routes on.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Put(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// Controller exposes the engine flows over HTTP.
type Controller struct {
	engine     *auth.Engine
	validator  auth.TokenValidator
	routes     Routes
	cookie     CookieConfig
	limiter    Limiter
	csrf       router.MiddlewareFunc
	logger     auth.Logger
	exposeBody bool
}

// NewController creates a controller. validator authenticates bearer
// tokens on protected routes.
func NewController(engine *auth.Engine, validator auth.TokenValidator) *Controller {
	return &Controller{
		engine:    engine,
		validator: validator,
		routes:    DefaultRoutes(),
		cookie:    CookieConfig{}.withDefaults(),
		logger:    auth.ResolveLogger("auth:http", nil, nil),
	}
}

func (h *Controller) WithRoutes(r Routes) *Controller {
	h.routes = r
	return h
}

func (h *Controller) WithCookie(c CookieConfig) *Controller {
	h.cookie = c.withDefaults()
	return h
}

// WithLimiter throttles the credential and email triggering routes.
func (h *Controller) WithLimiter(l Limiter) *Controller {
	h.limiter = l
	return h
}

// WithCSRF requires a double-submit token on the routes that read the
// refresh cookie. Requests without the cookie are not checked.
func (h *Controller) WithCSRF(cfg csrf.Config) *Controller {
	if cfg.Skip == nil {
		cfg.Skip = func(c router.Context) bool {
			return c.Method() != http.MethodGet && c.Cookies(h.cookie.Name) == ""
		}
	}
	h.csrf = csrf.New(cfg)
	return h
}

func (h *Controller) WithLogger(logger auth.Logger) *Controller {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithRefreshTokenInBody also returns the refresh token in JSON bodies,
// for clients that cannot keep cookies.
func (h *Controller) WithRefreshTokenInBody(expose bool) *Controller {
	h.exposeBody = expose
	return h
}

// Authenticate returns the bearer token middleware used on protected
// routes.
func (h *Controller) Authenticate(roles ...string) router.MiddlewareFunc {
	return jwtware.New(jwtware.Config{
		TokenValidator: jwtware.TokenValidatorFunc(func(raw string) (jwtware.AuthClaims, error) {
			return h.validator.Validate(raw)
		}),
		RequiredRoles: roles,
		ErrorHandler: func(c router.Context, err error) error {
			switch {
			case auth.IsDomainError(err), auth.IsTransientFailure(err):
				return err
			case errors.Is(err, jwtware.ErrAccessDenied):
				return auth.ErrForbidden
			case errors.Is(err, jwtware.ErrJWTMissingOrMalformed):
				return auth.ErrUnauthenticated
			}
			return auth.ErrTokenMalformed
		},
		ContextEnricher: func(ctx context.Context, claims jwtware.AuthClaims) context.Context {
			if ac, ok := claims.(auth.AuthClaims); ok {
				return auth.WithClaimsContext(ctx, ac)
			}
			return ctx
		},
	})
}

// Require gates a route on the claims stored by Authenticate.
func (h *Controller) Require(req auth.Requirement) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			var claims auth.AuthClaims
			if raw, ok := jwtware.ClaimsFrom(c); ok {
				claims, _ = raw.(auth.AuthClaims)
			}
			if err := auth.Authorize(claims, req); err != nil {
				return err
			}
			return c.Next()
		}
	}
}

// Register mounts every route on r.
func (h *Controller) Register(r RouteRegistrar) {
	throttle := func(scope string) router.MiddlewareFunc {
		return RateLimit(h.limiter, scope, h.logger)
	}
	authed := h.Authenticate()
	admin := []router.MiddlewareFunc{authed, h.Require(auth.HasRole(auth.RoleAdmin.String()))}
	var cookieGuard []router.MiddlewareFunc
	if h.csrf != nil {
		cookieGuard = append(cookieGuard, h.csrf)
		r.Get(h.routes.CSRF, h.CSRFToken, h.csrf).SetName("auth.csrf")
	}

	r.Post(h.routes.Register, h.RegisterUser, throttle("register")).SetName("auth.register")
	r.Post(h.routes.Login, h.Login, throttle("login")).SetName("auth.login")
	r.Post(h.routes.Refresh, h.Refresh, cookieGuard...).SetName("auth.refresh")
	r.Post(h.routes.Logout, h.Logout, cookieGuard...).SetName("auth.logout")
	r.Post(h.routes.LogoutAll, h.LogoutAll, cookieGuard...).SetName("auth.logout_all")
	r.Post(h.routes.Verify, h.VerifyAccount).SetName("auth.verify")
	r.Post(h.routes.ResendVerification, h.ResendVerification, throttle("resend")).SetName("auth.verify.resend")
	r.Post(h.routes.PasswordResetRequest, h.RequestPasswordReset, throttle("reset")).SetName("auth.password.reset_request")
	r.Post(h.routes.PasswordReset, h.ResetPassword, throttle("reset-confirm")).SetName("auth.password.reset")
	r.Post(h.routes.PasswordChange, h.ChangePassword, authed).SetName("auth.password.change")
	r.Post(h.routes.PasswordChangeRequest, h.RequestPasswordChange, authed, throttle("password-change")).SetName("auth.password.change_request")
	r.Post(h.routes.PasswordChangeConfirm, h.ConfirmPasswordChange).SetName("auth.password.change_confirm")
	r.Post(h.routes.EmailChange, h.RequestEmailChange, authed, throttle("email-change")).SetName("auth.email.change")
	r.Post(h.routes.EmailChangeConfirm, h.ConfirmEmailChange).SetName("auth.email.confirm")

	r.Get(h.routes.Sessions, h.ListSessions, authed).SetName("auth.sessions")
	r.Delete(h.routes.Sessions, h.RevokeAllSessions, authed).SetName("auth.sessions.revoke_all")
	r.Delete(h.routes.Sessions+"/:id", h.RevokeSession, authed).SetName("auth.sessions.revoke")
	r.Get(h.routes.UserSessions, h.ListUserSessions, authed).SetName("users.sessions")

	r.Get(h.routes.Me, h.Me, authed).SetName("me")
	r.Put(h.routes.Me, h.UpdateProfile, authed).SetName("me.update")

	r.Get(h.routes.AdminUsers, h.ListUsers, admin...).SetName("admin.users")
	r.Post(h.routes.AdminUsers, h.CreateUser, admin...).SetName("admin.users.create")
	r.Get(h.routes.AdminUsers+"/:id", h.GetUser, admin...).SetName("admin.users.get")
	r.Put(h.routes.AdminUsers+"/:id", h.UpdateUser, admin...).SetName("admin.users.update")
	r.Post(h.routes.AdminUsers+"/:id/status", h.SetUserStatus, admin...).SetName("admin.users.status")

	r.Get(h.routes.AdminRoles, h.ListRoles, admin...).SetName("admin.roles")
	r.Post(h.routes.AdminRoles, h.CreateRole, admin...).SetName("admin.roles.create")
	r.Get(h.routes.AdminRoles+"/:id", h.GetRole, admin...).SetName("admin.roles.get")
	r.Put(h.routes.AdminRoles+"/:id", h.UpdateRole, admin...).SetName("admin.roles.update")
}

func (h *Controller) actor(c router.Context) (auth.Actor, error) {
	claims, ok := jwtware.ClaimsFrom(c)
	if !ok {
		return auth.Actor{}, auth.ErrUnauthenticated
	}
	ac, ok := claims.(auth.AuthClaims)
	if !ok {
		return auth.Actor{}, auth.ErrTokenMalformed
	}
	return auth.ActorFromClaims(ac)
}

func (h *Controller) bind(c router.Context, out any) error {
	if err := c.Bind(out); err != nil {
		return badRequest("failed to parse request body")
	}
	if v, ok := out.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return auth.ValidationError(err)
		}
	}
	return nil
}

func (h *Controller) refreshToken(c router.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Cookies(h.cookie.Name)
}

func (h *Controller) respondPair(c router.Context, status int, pair *auth.TokenPair) error {
	h.cookie.set(c, pair.RefreshToken, pair.RefreshExpiresAt)

	res := TokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   pair.TokenType,
		ExpiresIn:   pair.ExpiresIn,
		ExpiresAt:   pair.AccessExpiresAt,
		SessionID:   pair.SessionID.String(),
	}
	if h.exposeBody {
		res.RefreshToken = pair.RefreshToken
	}
	return c.JSON(status, res)
}

func parseID(c router.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("invalid id")
	}
	return id, nil
}

func message(c router.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{"message": msg})
}
