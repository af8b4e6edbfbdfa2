package httpserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/pdf_translator/internal/engine"
	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

const HeaderEngineToken = "X-Engine-Token"

// EngineHTTP receives completion reports from asynchronous engines.
type EngineHTTP struct {
	Svc   *service.JobService
	Token string
}

func (h *EngineHTTP) RequireEngineToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(HeaderEngineToken)
		if h.Token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, apiError{Code: "unauthorized", Message: "invalid engine token"})
		}
		return next(c)
	}
}

func (h *EngineHTTP) Callback(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	l := logging.FromContext(ctx).With("handler", "engine_callback", "job_id", id)

	var res engine.Result
	if err := c.Bind(&res); err != nil {
		l.Warn("callback_error", "status", 400, "error", err)
		return badRequest("invalid body")
	}

	if err := h.Svc.OnEngineCallback(ctx, id, &res); err != nil {
		return fail(l, "callback_failed", err)
	}
	return c.NoContent(http.StatusNoContent)
}
