package httpapi

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/middleware/csrf"
)

func (h *Controller) RegisterUser(c router.Context) error {
	payload := new(RegisterPayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}

	res, err := h.engine.Register(c.Context(), auth.RegisterUserMessage{
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
		Email:     payload.Email,
		Password:  payload.Password,
	})
	if err != nil {
		return err
	}

	body := map[string]any{"user": res.User}
	if res.Warning != nil {
		h.logger.Warn("registration completed without activation email", "user_id", res.User.ID, "error", res.Warning)
		body["warning"] = toErrorBody(res.Warning)
	}
	return c.JSON(http.StatusCreated, body)
}

func (h *Controller) Login(c router.Context) error {
	payload := new(LoginPayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}

	pair, err := h.engine.Authenticate(c.Context(), auth.LoginMessage{
		Email:    payload.Email,
		Password: payload.Password,
		Metadata: sessionMetadata(c, payload.DeviceInfo),
	})
	if err != nil {
		return err
	}
	return h.respondPair(c, http.StatusOK, pair)
}

func (h *Controller) Refresh(c router.Context) error {
	payload := new(RefreshPayload)
	if len(c.Body()) > 0 {
		if err := h.bind(c, payload); err != nil {
			return err
		}
	}

	pair, err := h.engine.RefreshAccessToken(c.Context(), auth.RefreshMessage{
		RefreshToken: h.refreshToken(c, payload.RefreshToken),
	})
	if err != nil {
		if auth.HasTextCode(err, auth.TextCodeSessionExpired) || auth.HasTextCode(err, auth.TextCodeAccountDisabled) {
			h.cookie.clear(c)
		}
		return err
	}
	return h.respondPair(c, http.StatusOK, pair)
}

func (h *Controller) Logout(c router.Context) error {
	payload := new(LogoutPayload)
	if len(c.Body()) > 0 {
		if err := h.bind(c, payload); err != nil {
			return err
		}
	}

	raw := h.refreshToken(c, payload.RefreshToken)
	if raw == "" {
		h.cookie.clear(c)
		return c.NoContent(http.StatusNoContent)
	}

	if err := h.engine.Logout(c.Context(), auth.LogoutMessage{
		RefreshToken: raw,
		All:          payload.All,
	}); err != nil {
		return err
	}

	h.cookie.clear(c)
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll revokes every session of the owner of the presented refresh
// token.
func (h *Controller) LogoutAll(c router.Context) error {
	payload := new(LogoutPayload)
	if len(c.Body()) > 0 {
		if err := h.bind(c, payload); err != nil {
			return err
		}
	}

	raw := h.refreshToken(c, payload.RefreshToken)
	if raw == "" {
		return auth.ErrSessionExpired
	}

	if err := h.engine.Logout(c.Context(), auth.LogoutMessage{
		RefreshToken: raw,
		All:          true,
	}); err != nil {
		return err
	}

	h.cookie.clear(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *Controller) CSRFToken(c router.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"csrf_token": csrf.TokenFrom(c)})
}

func (h *Controller) VerifyAccount(c router.Context) error {
	payload := new(CodePayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	if err := h.engine.VerifyAccount(c.Context(), payload.Code); err != nil {
		return err
	}
	return message(c, http.StatusOK, "account verified")
}

func (h *Controller) ResendVerification(c router.Context) error {
	payload := new(EmailPayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	if err := h.engine.ResendVerification(c.Context(), payload.Email); err != nil {
		return err
	}
	return message(c, http.StatusAccepted, "if the account exists, a new code was sent")
}

func (h *Controller) RequestPasswordReset(c router.Context) error {
	payload := new(EmailPayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	if err := h.engine.RequestPasswordReset(c.Context(), payload.Email); err != nil {
		return err
	}
	return message(c, http.StatusAccepted, "if the account exists, a reset code was sent")
}

func (h *Controller) ResetPassword(c router.Context) error {
	payload := new(ResetPasswordPayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	if err := h.engine.ResetPassword(c.Context(), auth.ResetPasswordMessage{
		Code:     payload.Code,
		Password: payload.Password,
	}); err != nil {
		return err
	}
	h.cookie.clear(c)
	return message(c, http.StatusOK, "password updated")
}

func (h *Controller) ChangePassword(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	msg := new(auth.ChangePasswordMessage)
	if err := h.bind(c, msg); err != nil {
		return err
	}
	if err := h.engine.ChangePassword(c.Context(), actor, *msg); err != nil {
		return err
	}
	return message(c, http.StatusOK, "password updated")
}

func (h *Controller) RequestPasswordChange(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	msg := new(auth.ChangePasswordMessage)
	if err := h.bind(c, msg); err != nil {
		return err
	}
	if err := h.engine.RequestPasswordChange(c.Context(), actor, *msg); err != nil {
		return err
	}
	return message(c, http.StatusAccepted, "confirmation code sent")
}

func (h *Controller) ConfirmPasswordChange(c router.Context) error {
	payload := new(CodePayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	if err := h.engine.ConfirmPasswordChange(c.Context(), payload.Code); err != nil {
		return err
	}
	h.cookie.clear(c)
	return message(c, http.StatusOK, "password updated")
}

func (h *Controller) RequestEmailChange(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	msg := new(auth.EmailChangeMessage)
	if err := h.bind(c, msg); err != nil {
		return err
	}
	if err := h.engine.RequestEmailChange(c.Context(), actor, *msg); err != nil {
		return err
	}
	return message(c, http.StatusAccepted, "confirmation code sent to the new address")
}

func (h *Controller) ConfirmEmailChange(c router.Context) error {
	payload := new(CodePayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	pair, err := h.engine.ConfirmEmailChange(c.Context(), payload.Code, sessionMetadata(c, ""))
	if err != nil {
		return err
	}
	return h.respondPair(c, http.StatusOK, pair)
}

func (h *Controller) ListSessions(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	sessions, err := h.engine.ListSessions(c.Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Controller) RevokeSession(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.engine.RevokeSession(c.Context(), actor, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RevokeAllSessions closes every session of the caller, including the one
// the access token belongs to.
func (h *Controller) RevokeAllSessions(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	if err := h.engine.LogoutAll(c.Context(), actor); err != nil {
		return err
	}
	h.cookie.clear(c)
	return c.NoContent(http.StatusNoContent)
}

// ListUserSessions lists the open sessions of the user in the path,
// narrowed to one client address when the ip query is set. Reading
// another user's sessions needs the admin role.
func (h *Controller) ListUserSessions(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	owner := actor
	if id != actor.UserID {
		if err := auth.AuthorizeActor(actor, auth.HasRole(auth.RoleAdmin.String())); err != nil {
			return err
		}
		owner = auth.Actor{UserID: id}
	}

	var sessions []auth.SessionInfo
	if ip := strings.TrimSpace(c.Query("ip", "")); ip != "" {
		sessions, err = h.engine.SessionsByIP(c.Context(), id, ip)
	} else {
		sessions, err = h.engine.ListSessions(c.Context(), owner)
	}
	if err != nil {
		return err
	}

	active, err := h.engine.CountSessions(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": sessions,
		"active":   active,
	})
}

func (h *Controller) Me(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	user, err := h.engine.CurrentUser(c.Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": user})
}

func (h *Controller) UpdateProfile(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	msg := new(auth.UpdateProfileMessage)
	if err := h.bind(c, msg); err != nil {
		return err
	}
	user, err := h.engine.UpdateProfile(c.Context(), actor, *msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": user})
}

func (h *Controller) ListUsers(c router.Context) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	users, total, err := h.engine.ListUsers(c.Context(), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Controller) CreateUser(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	msg := new(auth.CreateUserMessage)
	if err := h.bind(c, msg); err != nil {
		return err
	}
	user, err := h.engine.CreateUser(c.Context(), actor, *msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"user": user})
}

func (h *Controller) GetUser(c router.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	user, err := h.engine.GetUser(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": user})
}

func (h *Controller) UpdateUser(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	msg := new(auth.UpdateUserMessage)
	if err := h.bind(c, msg); err != nil {
		return err
	}
	user, err := h.engine.UpdateUser(c.Context(), actor, id, *msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"user": user})
}

func (h *Controller) SetUserStatus(c router.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payload := new(StatusPayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	if id == actor.UserID && !*payload.Active {
		return badRequest("cannot disable your own account")
	}
	if err := h.engine.SetUserActive(c.Context(), actor, id, *payload.Active); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Controller) ListRoles(c router.Context) error {
	roles, err := h.engine.ListRoles(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"roles": roles})
}

func (h *Controller) CreateRole(c router.Context) error {
	payload := new(RoleCreatePayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	role, err := h.engine.CreateRole(c.Context(), payload.Name, payload.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"role": role})
}

func (h *Controller) GetRole(c router.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	role, err := h.engine.GetRole(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"role": role})
}

func (h *Controller) UpdateRole(c router.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payload := new(RoleCreatePayload)
	if err := h.bind(c, payload); err != nil {
		return err
	}
	role, err := h.engine.UpdateRole(c.Context(), id, payload.Name, payload.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"role": role})
}
