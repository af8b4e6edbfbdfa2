package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
	authmw "github.com/Skotchmaster/pdf_translator/pkg/middleware/auth"
)

type AuthHTTP struct {
	Svc *service.AuthService
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHTTP) Status(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_status")

	st, err := h.Svc.Status(ctx)
	if err != nil {
		return fail(l, "status_error", err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *AuthHTTP) Setup(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_setup")

	var req credentials
	if err := c.Bind(&req); err != nil {
		l.Warn("setup_error", "status", 400, "error", err)
		return badRequest("invalid body")
	}

	sess, err := h.Svc.Setup(ctx, req.Username, req.Password)
	if err != nil {
		return fail(l, "setup_failed", err)
	}
	l.Info("setup_completed", "user_id", sess.User.ID)
	return c.JSON(http.StatusOK, sess)
}

func (h *AuthHTTP) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req credentials
	if err := c.Bind(&req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return badRequest("invalid body")
	}

	sess, err := h.Svc.Register(ctx, req.Username, req.Password)
	if err != nil {
		return fail(l, "register_failed", err)
	}
	l.Info("register_successful", "user_id", sess.User.ID)
	return c.JSON(http.StatusOK, sess)
}

func (h *AuthHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req credentials
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return badRequest("invalid body")
	}

	sess, err := h.Svc.Login(ctx, req.Username, req.Password)
	if err != nil {
		return fail(l, "login_failed", err)
	}
	l.Info("login_successful", "user_id", sess.User.ID)
	return c.JSON(http.StatusOK, sess)
}

// Refresh accepts the refresh token as a bearer header or in the body.
func (h *AuthHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	token, ok := authmw.BearerToken(c.Request())
	if !ok {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.Bind(&req); err != nil {
			l.Warn("refresh_error", "status", 400, "error", err)
			return badRequest("invalid body")
		}
		token = req.RefreshToken
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, apiError{Code: "unauthorized", Message: "missing refresh token"})
	}

	sess, err := h.Svc.Refresh(ctx, token)
	if err != nil {
		return fail(l, "refresh_failed", err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *AuthHTTP) Me(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_me")

	u, err := h.Svc.Me(ctx, GetID(c))
	if err != nil {
		return fail(l, "me_failed", err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *AuthHTTP) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_change_password")

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.Bind(&req); err != nil {
		l.Warn("change_password_error", "status", 400, "error", err)
		return badRequest("invalid body")
	}

	if err := h.Svc.ChangePassword(ctx, GetID(c), req.OldPassword, req.NewPassword); err != nil {
		return fail(l, "change_password_failed", err)
	}
	l.Info("password_changed")
	return c.NoContent(http.StatusNoContent)
}

func GetID(c echo.Context) string {
	id, _ := c.Get(authmw.CtxUserID).(string)
	return id
}

func requester(c echo.Context) service.Requester {
	role, _ := c.Get(authmw.CtxRole).(string)
	return service.Requester{ID: GetID(c), Role: role}
}
