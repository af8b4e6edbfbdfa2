package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/pdf_translator/internal/ratelimit"
	"github.com/Skotchmaster/pdf_translator/internal/service"
)

func TestHealth(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestUnknownRoute_JSONError(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[apiError](t, rec).Code)
}

func TestAuth_SetupLoginMe(t *testing.T) {
	s := newServer(t)

	st := decode[service.Status](t, s.do(t, http.MethodGet, "/auth/status", "", nil))
	assert.False(t, st.Initialized)

	rec := s.do(t, http.MethodPost, "/auth/register", "", credentials{Username: "early", Password: "user-pass"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s.setup(t)

	rec = s.do(t, http.MethodPost, "/auth/setup", "", credentials{Username: "admin2", Password: "admin-pass"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[apiError](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/auth/login", "", credentials{Username: "admin", Password: "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/login", "", credentials{Username: "admin", Password: "admin-pass"})
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[service.Session](t, rec)
	assert.Equal(t, "bearer", sess.TokenType)
	assert.Equal(t, "admin", sess.User.Role)

	rec = s.do(t, http.MethodGet, "/auth/me", sess.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[map[string]any](t, rec)
	assert.Equal(t, "admin", me["username"])
	assert.NotContains(t, me, "password_hash")

	rec = s.do(t, http.MethodGet, "/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[apiError](t, rec).Code)

	// a refresh token is not accepted as an access token
	rec = s.do(t, http.MethodGet, "/auth/me", sess.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_Refresh(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	sess := s.user(t, "alice")

	rec := s.do(t, http.MethodPost, "/auth/refresh", "", echo.Map{"refresh_token": sess.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", decode[service.Session](t, rec).User.Username)

	rec = s.do(t, http.MethodPost, "/auth/refresh", sess.RefreshToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/refresh", sess.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/refresh", "", echo.Map{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ChangePassword(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	sess := s.user(t, "alice")

	rec := s.do(t, http.MethodPost, "/auth/change-password", sess.AccessToken, echo.Map{"old_password": "nope-nope", "new_password": "fresh-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/change-password", sess.AccessToken, echo.Map{"old_password": "user-pass", "new_password": "fresh-pass"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/auth/login", "", credentials{Username: "alice", Password: "fresh-pass"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfig_RoundTrip(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	tok := s.user(t, "alice").AccessToken

	rec := s.do(t, http.MethodGet, "/config", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string]any](t, rec))

	rec = s.do(t, http.MethodPut, "/config", tok, echo.Map{"service_type": "openai", "threads": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/config/", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "openai", got["service_type"])
	assert.EqualValues(t, 4, got["threads"])

	rec = s.do(t, http.MethodPut, "/config", tok, echo.Map{"nested": echo.Map{"a": 1}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_format", decode[apiError](t, rec).Code)

	rec = s.do(t, http.MethodPatch, "/config/service", tok, echo.Map{"service_type": "deepl"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "deepl", decode[map[string]any](t, rec)["service_type"])

	rec = s.do(t, http.MethodPatch, "/config/service", tok, echo.Map{"service_type": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfig_ExportImport(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	tok := s.user(t, "alice").AccessToken

	req := httptest.NewRequest(http.MethodPost, "/config/import", strings.NewReader("service_type: deepl\nthreads: 2\n"))
	req.Header.Set(echo.HeaderContentType, "application/yaml")
	rec := s.raw(t, req, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/config/import", tok, echo.Map{"config_json": `{"service_type":"gemini"}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gemini", decode[map[string]any](t, rec)["service_type"])

	req = httptest.NewRequest(http.MethodPost, "/config/import", strings.NewReader("{broken"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = s.raw(t, req, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/config/export?format=yaml", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "pdf_translator_config_alice.yaml")
	assert.Contains(t, rec.Body.String(), "service_type: gemini")
}

func TestFiles_SubmitRunDownloadDelete(t *testing.T) {
	s := newServer(t)
	adminTok := s.setup(t)
	alice := s.user(t, "alice")
	bob := s.user(t, "bob")

	rec := s.upload(t, alice.AccessToken, "notes.txt", "plain text")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.upload(t, alice.AccessToken, "report.pdf", "%PDF-1.7 body")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[historyItem](t, rec)
	assert.Equal(t, "pending", string(job.Status))
	assert.Equal(t, "zh", job.LangOut)

	rec = s.do(t, http.MethodGet, "/files/download/"+job.ID+"/mono", alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.runQueued(t)

	rec = s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[historyItem](t, rec)
	assert.Equal(t, "done", string(got.Status))
	assert.True(t, got.HasMono)
	assert.False(t, got.HasDual)
	assert.NotContains(t, rec.Body.String(), "outputs")

	rec = s.do(t, http.MethodGet, "/files/"+job.ID, bob.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/files/download/"+job.ID+"/mono", bob.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/files/download/"+job.ID+"/mono", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "report_mono.pdf")
	assert.Equal(t, "%PDF-translated", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/files/download/"+job.ID+"/dual", alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/files/history", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]historyItem](t, rec), 1)
	assert.Empty(t, decode[[]historyItem](t, s.do(t, http.MethodGet, "/files/history", bob.AccessToken, nil)))

	rec = s.do(t, http.MethodGet, "/files/history/all", alice.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/files/history/all", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]historyItem](t, rec)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].Username)

	rec = s.do(t, http.MethodGet, "/files/search?q=repo", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), job.ID)

	rec = s.do(t, http.MethodDelete, "/files/"+job.ID, bob.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/files/"+job.ID, alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFiles_DeleteUserFiles(t *testing.T) {
	s := newServer(t)
	adminTok := s.setup(t)
	alice := s.user(t, "alice")

	for _, name := range []string{"a.pdf", "b.pdf"} {
		require.Equal(t, http.StatusAccepted, s.upload(t, alice.AccessToken, name, "%PDF-1.4").Code)
	}

	rec := s.do(t, http.MethodDelete, "/files/user/"+alice.User.ID+"/all", alice.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/files/user/"+alice.User.ID+"/all", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["deleted"])
}

func TestEngineCallback(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	alice := s.user(t, "alice")

	job := decode[historyItem](t, s.upload(t, alice.AccessToken, "report.pdf", "%PDF-1.7"))

	rec := s.do(t, http.MethodPost, "/internal/jobs/"+job.ID+"/callback", "", echo.Map{"error": "engine crashed"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+job.ID+"/callback", strings.NewReader(`{"error":"engine crashed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(HeaderEngineToken, testEngineToken)
	rec = s.raw(t, req, "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got := decode[historyItem](t, s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil))
	assert.Equal(t, "failed", string(got.Status))
	assert.Equal(t, "engine crashed", got.Error)

	// the worker picking up the job afterwards leaves it failed
	s.runQueued(t)
	got = decode[historyItem](t, s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil))
	assert.Equal(t, "failed", string(got.Status))
}

func TestEngineCallback_Progress(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	alice := s.user(t, "alice")

	job := decode[historyItem](t, s.upload(t, alice.AccessToken, "report.pdf", "%PDF-1.7"))
	assert.Zero(t, job.Progress)

	callback := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+job.ID+"/callback", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(HeaderEngineToken, testEngineToken)
		return s.raw(t, req, "").Code
	}

	require.Equal(t, http.StatusNoContent, callback(`{"progress":35}`))
	got := decode[historyItem](t, s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil))
	assert.Equal(t, "pending", string(got.Status), "progress alone does not finish a job")
	assert.Equal(t, 35, got.Progress)

	s.runQueued(t)
	got = decode[historyItem](t, s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil))
	assert.Equal(t, "done", string(got.Status))
	assert.Equal(t, 100, got.Progress)

	require.Equal(t, http.StatusNoContent, callback(`{"progress":10}`))
	got = decode[historyItem](t, s.do(t, http.MethodGet, "/files/"+job.ID, alice.AccessToken, nil))
	assert.Equal(t, 100, got.Progress, "finished jobs keep their progress")
}

type fixedLimiter struct{ wait time.Duration }

func (l fixedLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return &ratelimit.Result{Allowed: false, RetryAfter: l.wait}, nil
}

func TestFiles_RateLimitedSetsRetryAfter(t *testing.T) {
	s := newServer(t)
	s.setup(t)
	alice := s.user(t, "alice")
	s.jobs.Limiter = fixedLimiter{wait: 89500 * time.Millisecond}

	rec := s.upload(t, alice.AccessToken, "report.pdf", "%PDF-1.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[apiError](t, rec).Code)
}

func TestAdmin(t *testing.T) {
	s := newServer(t)
	adminTok := s.setup(t)
	alice := s.user(t, "alice")

	rec := s.do(t, http.MethodGet, "/admin/users", alice.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode[apiError](t, rec).Code)

	require.Equal(t, http.StatusAccepted, s.upload(t, alice.AccessToken, "a.pdf", "%PDF-1.4 data").Code)

	rec = s.do(t, http.MethodGet, "/admin/users", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]service.UserSummary](t, rec)
	require.Len(t, users, 2)

	rec = s.do(t, http.MethodGet, "/admin/stats", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[service.Stats](t, rec)
	assert.EqualValues(t, 2, st.TotalUsers)
	assert.EqualValues(t, 1, st.TotalFiles)

	me := decode[map[string]any](t, s.do(t, http.MethodGet, "/auth/me", adminTok, nil))
	rec = s.do(t, http.MethodDelete, "/admin/users/"+me["id"].(string), adminTok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/admin/users/"+alice.User.ID+"/toggle", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["is_active"])

	rec = s.do(t, http.MethodPost, "/auth/login", "", credentials{Username: "alice", Password: "user-pass"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/admin/settings", adminTok, echo.Map{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/admin/settings", adminTok, echo.Map{"allow_registration": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/register", "", credentials{Username: "carol", Password: "user-pass"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/admin/settings", adminTok, echo.Map{"allow_registration": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/auth/register", "", credentials{Username: "carol", Password: "user-pass"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, "/admin/users/"+alice.User.ID, adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodDelete, "/admin/users/"+alice.User.ID, adminTok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
