package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	authmw "github.com/Skotchmaster/pdf_translator/pkg/middleware/auth"
	loggingmw "github.com/Skotchmaster/pdf_translator/pkg/middleware/logging"
)

type Deps struct {
	AuthHandler   *AuthHTTP
	ConfigHandler *ConfigHTTP
	FilesHandler  *FilesHTTP
	AdminHandler  *AdminHTTP
	EngineHandler *EngineHTTP

	Tokens authmw.AccessVerifier
	// Ready backs /health/ready; nil means always ready.
	Ready func(ctx context.Context) error
}

type Options struct {
	CORSOrigins    []string
	MaxUploadBytes int64
}

// New builds the echo instance with the shared middleware stack and all
// routes registered.
func New(log *slog.Logger, opts Options, d *Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(loggingmw.RequestLogger(log))
	e.Use(middleware.Recover())
	if len(opts.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSOrigins,
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, HeaderEngineToken},
		}))
	}
	if opts.MaxUploadBytes > 0 {
		// room for multipart framing and the form fields
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", opts.MaxUploadBytes>>10+1024)))
	}

	Register(e, d)
	return e
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready != nil {
			if err := d.Ready(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, apiError{Code: "unavailable", Message: "not ready"}).SetInternal(err)
			}
		}
		return c.NoContent(http.StatusOK)
	})

	authMw := authmw.New(d.Tokens)

	auth := e.Group("/auth")
	auth.GET("/status", d.AuthHandler.Status)
	auth.POST("/setup", d.AuthHandler.Setup)
	auth.POST("/register", d.AuthHandler.Register)
	auth.POST("/login", d.AuthHandler.Login)
	auth.POST("/refresh", d.AuthHandler.Refresh)
	auth.GET("/me", d.AuthHandler.Me, authMw.RequireAuth)
	auth.POST("/change-password", d.AuthHandler.ChangePassword, authMw.RequireAuth)

	cfg := e.Group("/config", authMw.RequireAuth)
	cfg.GET("", d.ConfigHandler.Get)
	cfg.PUT("", d.ConfigHandler.Put)
	cfg.GET("/export", d.ConfigHandler.Export)
	cfg.POST("/import", d.ConfigHandler.Import)
	cfg.PATCH("/service", d.ConfigHandler.PatchService)

	files := e.Group("/files", authMw.RequireAuth)
	files.POST("/translate", d.FilesHandler.Translate)
	files.GET("/history", d.FilesHandler.History)
	files.GET("/history/all", d.FilesHandler.HistoryAll, authMw.RequireAdmin)
	files.GET("/search", d.FilesHandler.Search)
	files.GET("/download/:id/mono", d.FilesHandler.DownloadMono)
	files.GET("/download/:id/dual", d.FilesHandler.DownloadDual)
	files.GET("/:id", d.FilesHandler.Get)
	files.DELETE("/:id", d.FilesHandler.Delete)
	files.DELETE("/user/:user_id/all", d.FilesHandler.DeleteUserFiles, authMw.RequireAdmin)

	admin := e.Group("/admin", authMw.RequireAdmin)
	admin.GET("/users", d.AdminHandler.Users)
	admin.GET("/stats", d.AdminHandler.Stats)
	admin.DELETE("/users/:id", d.AdminHandler.DeleteUser)
	admin.PATCH("/users/:id/toggle", d.AdminHandler.ToggleUser)
	admin.PATCH("/settings", d.AdminHandler.Settings)

	internal := e.Group("/internal", d.EngineHandler.RequireEngineToken)
	internal.POST("/jobs/:id/callback", d.EngineHandler.Callback)
}
