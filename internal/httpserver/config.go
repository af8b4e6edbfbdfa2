package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

const maxConfigBytes = 1 << 20

type ConfigHTTP struct {
	Svc   *service.ConfigService
	Users *service.AuthService
}

func (h *ConfigHTTP) Get(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "config_get")

	m, err := h.Svc.Get(ctx, GetID(c))
	if err != nil {
		return fail(l, "config_get_failed", err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *ConfigHTTP) Put(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "config_put")

	m, err := decodeObject(c.Request().Body)
	if err != nil {
		return fail(l, "config_put_error", err)
	}
	saved, err := h.Svc.Update(ctx, GetID(c), m)
	if err != nil {
		return fail(l, "config_put_failed", err)
	}
	l.Info("config_saved", "keys", len(saved))
	return c.JSON(http.StatusOK, saved)
}

func (h *ConfigHTTP) PatchService(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "config_service")

	patch, err := decodeObject(c.Request().Body)
	if err != nil {
		return fail(l, "config_service_error", err)
	}
	saved, err := h.Svc.UpdateService(ctx, GetID(c), patch)
	if err != nil {
		return fail(l, "config_service_failed", err)
	}
	l.Info("service_switched", "service_type", saved["service_type"])
	return c.JSON(http.StatusOK, saved)
}

func (h *ConfigHTTP) Export(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "config_export")

	u, err := h.Users.Me(ctx, GetID(c))
	if err != nil {
		return fail(l, "config_export_failed", err)
	}
	exp, err := h.Svc.Export(ctx, u.ID, u.Username, strings.ToLower(c.QueryParam("format")))
	if err != nil {
		return fail(l, "config_export_failed", err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", exp.Filename))
	return c.Blob(http.StatusOK, exp.ContentType, exp.Body)
}

// Import takes the document as the request body or as a multipart "file".
// The format comes from ?format=, the file extension or the content type.
func (h *ConfigHTTP) Import(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "config_import")

	format := strings.ToLower(c.QueryParam("format"))
	var (
		doc []byte
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	if mediaType == echo.MIMEMultipartForm {
		fh, ferr := c.FormFile("file")
		if ferr != nil {
			l.Warn("config_import_error", "status", 400, "error", ferr)
			return badRequest("file is required")
		}
		if format == "" {
			format = formatFromName(fh.Filename)
		}
		f, ferr := fh.Open()
		if ferr != nil {
			return fail(l, "config_import_error", ferr)
		}
		defer f.Close()
		doc, err = io.ReadAll(io.LimitReader(f, maxConfigBytes+1))
	} else {
		if format == "" {
			format = formatFromMediaType(mediaType)
		}
		doc, err = io.ReadAll(io.LimitReader(c.Request().Body, maxConfigBytes+1))
	}
	if err != nil {
		l.Warn("config_import_error", "status", 400, "error", err)
		return badRequest("cannot read document")
	}
	if len(doc) > maxConfigBytes {
		return fail(l, "config_import_error", fmt.Errorf("%w: document is too large", service.ErrValidation))
	}

	saved, err := h.Svc.Import(ctx, GetID(c), doc, format)
	if err != nil {
		return fail(l, "config_import_failed", err)
	}
	l.Info("config_imported", "keys", len(saved), "format", format)
	return c.JSON(http.StatusOK, saved)
}

func decodeObject(r io.Reader) (map[string]any, error) {
	var m map[string]any
	if err := json.NewDecoder(io.LimitReader(r, maxConfigBytes)).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", service.ErrInvalidFormat)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", service.ErrInvalidFormat)
	}
	return m, nil
}

func formatFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return service.FormatYAML
	case ".json":
		return service.FormatJSON
	}
	return ""
}

func formatFromMediaType(mt string) string {
	if strings.Contains(mt, "yaml") {
		return service.FormatYAML
	}
	if strings.Contains(mt, "json") {
		return service.FormatJSON
	}
	return ""
}
