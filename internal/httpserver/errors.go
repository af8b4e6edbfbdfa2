package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/pkg/tokens"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var sentinels = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{tokens.ErrExpired, http.StatusUnauthorized, "token_expired"},
	{tokens.ErrInvalid, http.StatusUnauthorized, "invalid_token"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrNotFound, http.StatusNotFound, "not_found"},
	{service.ErrConflict, http.StatusConflict, "conflict"},
	{service.ErrInvalidFormat, http.StatusBadRequest, "invalid_format"},
	{service.ErrValidation, http.StatusBadRequest, "validation_error"},
	{service.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{service.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// toHTTPError maps service errors onto a status and a stable code. The
// message of a known sentinel is the wrapped text minus the sentinel prefix.
func toHTTPError(err error) *echo.HTTPError {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return echo.NewHTTPError(s.status, apiError{Code: s.code, Message: message(err, s.err)}).SetInternal(err)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, apiError{Code: "internal", Message: "internal server error"}).SetInternal(err)
}

func message(err, sentinel error) string {
	msg := err.Error()
	if i := strings.Index(msg, sentinel.Error()+": "); i >= 0 {
		return msg[i+len(sentinel.Error())+2:]
	}
	return msg
}

// fail logs a handler failure at a level matching its status and returns the
// mapped error.
func fail(l *slog.Logger, event string, err error) error {
	he := toHTTPError(err)
	switch {
	case he.Code >= 500:
		l.Error(event, "status", he.Code, "error", err)
	default:
		l.Warn(event, "status", he.Code, "error", err)
	}
	return he
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	if status >= 500 {
		return "internal"
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

// ErrorHandler renders every error as {"code", "message"}, including the
// ones echo and its middleware raise themselves.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = toHTTPError(err)
	}

	var rl *service.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		secs := (rl.RetryAfter + time.Second - 1) / time.Second
		c.Response().Header().Set("Retry-After", strconv.FormatInt(int64(secs), 10))
	}

	body, ok := he.Message.(apiError)
	if !ok {
		msg, isStr := he.Message.(string)
		if !isStr || msg == "" {
			msg = http.StatusText(he.Code)
		}
		if he.Code >= 500 {
			msg = "internal server error"
		}
		body = apiError{Code: codeForStatus(he.Code), Message: msg}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(he.Code)
	} else {
		werr = c.JSON(he.Code, body)
	}
	if werr != nil {
		c.Logger().Error(werr)
	}
}
