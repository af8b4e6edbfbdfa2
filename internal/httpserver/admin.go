package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

type AdminHTTP struct {
	Svc *service.AdminService
}

func (h *AdminHTTP) Users(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_users")

	users, err := h.Svc.ListUsers(ctx)
	if err != nil {
		return fail(l, "admin_users_failed", err)
	}
	return c.JSON(http.StatusOK, users)
}

func (h *AdminHTTP) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_stats")

	st, err := h.Svc.Stats(ctx)
	if err != nil {
		return fail(l, "admin_stats_failed", err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *AdminHTTP) DeleteUser(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_delete_user")

	if err := h.Svc.DeleteUser(ctx, requester(c), c.Param("id")); err != nil {
		return fail(l, "admin_delete_user_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "user deleted"})
}

func (h *AdminHTTP) ToggleUser(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_toggle_user")

	u, err := h.Svc.ToggleUser(ctx, requester(c), c.Param("id"))
	if err != nil {
		return fail(l, "admin_toggle_user_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": u.ID, "is_active": u.IsActive})
}

func (h *AdminHTTP) Settings(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin_settings")

	var req struct {
		AllowRegistration *bool `json:"allow_registration"`
	}
	if err := c.Bind(&req); err != nil {
		l.Warn("admin_settings_error", "status", 400, "error", err)
		return badRequest("invalid body")
	}
	if req.AllowRegistration == nil {
		return badRequest("allow_registration is required")
	}

	st, err := h.Svc.SetRegistration(ctx, *req.AllowRegistration)
	if err != nil {
		return fail(l, "admin_settings_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"allow_registration": st.RegistrationEnabled})
}
