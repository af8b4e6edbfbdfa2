package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/pdf_translator/internal/models"
	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

type FilesHTTP struct {
	Svc *service.JobService
}

type historyItem struct {
	ID         string           `json:"id"`
	Filename   string           `json:"filename"`
	FileSize   int64            `json:"file_size"`
	Status     models.JobStatus `json:"status"`
	Error      string           `json:"error"`
	Progress   int              `json:"progress"`
	HasMono    bool             `json:"has_mono"`
	HasDual    bool             `json:"has_dual"`
	LangIn     string           `json:"lang_in"`
	LangOut    string           `json:"lang_out"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	UserID     string           `json:"user_id"`
	Username   string           `json:"username,omitempty"`
}

func toHistoryItem(j *models.Job) historyItem {
	return historyItem{
		ID:         j.ID,
		Filename:   j.SourceFilename,
		FileSize:   j.SizeBytes,
		Status:     j.Status,
		Error:      j.Error,
		Progress:   j.Progress,
		HasMono:    j.MonoArtifactPath != "",
		HasDual:    j.DualArtifactPath != "",
		LangIn:     j.LangIn,
		LangOut:    j.LangOut,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
		UserID:     j.OwnerID,
	}
}

func toHistory(jobs []models.Job) []historyItem {
	out := make([]historyItem, 0, len(jobs))
	for i := range jobs {
		out = append(out, toHistoryItem(&jobs[i]))
	}
	return out
}

func (h *FilesHTTP) Translate(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_translate")

	fh, err := c.FormFile("file")
	if err != nil {
		l.Warn("translate_error", "status", 400, "error", err)
		return badRequest("file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return fail(l, "translate_error", err)
	}
	defer f.Close()

	job, err := h.Svc.Submit(ctx, requester(c), service.Upload{
		Filename: fh.Filename,
		Size:     fh.Size,
		Body:     f,
		LangIn:   c.FormValue("lang_in"),
		LangOut:  c.FormValue("lang_out"),
	})
	if err != nil {
		return fail(l, "translate_failed", err)
	}
	return c.JSON(http.StatusAccepted, toHistoryItem(job))
}

func (h *FilesHTTP) Get(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_get")

	job, err := h.Svc.Get(ctx, requester(c), c.Param("id"))
	if err != nil {
		return fail(l, "files_get_failed", err)
	}
	return c.JSON(http.StatusOK, toHistoryItem(job))
}

func (h *FilesHTTP) History(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_history")

	jobs, err := h.Svc.List(ctx, GetID(c))
	if err != nil {
		return fail(l, "history_failed", err)
	}
	return c.JSON(http.StatusOK, toHistory(jobs))
}

func (h *FilesHTTP) HistoryAll(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_history_all")

	rows, err := h.Svc.ListAll(ctx)
	if err != nil {
		return fail(l, "history_all_failed", err)
	}
	out := make([]historyItem, 0, len(rows))
	for i := range rows {
		item := toHistoryItem(&rows[i].Job)
		item.Username = rows[i].Username
		out = append(out, item)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *FilesHTTP) Search(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_search")

	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))

	res, err := h.Svc.Search(ctx, requester(c), c.QueryParam("q"), page, size)
	if err != nil {
		return fail(l, "search_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"total": res.Total,
		"page":  res.Page,
		"size":  res.Size,
		"pages": res.Pages,
		"items": toHistory(res.Items),
	})
}

func (h *FilesHTTP) DownloadMono(c echo.Context) error {
	return h.download(c, service.ArtifactMono)
}

func (h *FilesHTTP) DownloadDual(c echo.Context) error {
	return h.download(c, service.ArtifactDual)
}

func (h *FilesHTTP) download(c echo.Context, kind string) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_download", "kind", kind)

	rc, name, err := h.Svc.Artifact(ctx, requester(c), c.Param("id"), kind)
	if err != nil {
		return fail(l, "download_failed", err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Stream(http.StatusOK, "application/pdf", rc)
}

func (h *FilesHTTP) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_delete")

	id := c.Param("id")
	if err := h.Svc.Delete(ctx, requester(c), id); err != nil {
		return fail(l, "delete_failed", err)
	}
	l.Info("job_deleted", "job_id", id)
	return c.JSON(http.StatusOK, echo.Map{"message": "file deleted"})
}

func (h *FilesHTTP) DeleteUserFiles(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "files_delete_user")

	userID := c.Param("user_id")
	n, err := h.Svc.DeleteAllForUser(ctx, userID)
	if err != nil {
		return fail(l, "delete_user_files_failed", err)
	}
	l.Info("user_files_deleted", "user_id", userID, "count", n)
	return c.JSON(http.StatusOK, echo.Map{"deleted": n})
}
