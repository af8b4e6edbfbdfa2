package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/pdf_translator/internal/engine"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/internal/storage"
	"github.com/Skotchmaster/pdf_translator/internal/worker"
	"github.com/Skotchmaster/pdf_translator/pkg/db"
	"github.com/Skotchmaster/pdf_translator/pkg/tokens"
)

const testEngineToken = "engine-secret"

type memQueue struct {
	mu    sync.Mutex
	tasks []worker.Task
}

func (q *memQueue) Submit(t worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *memQueue) Cancel(string) bool { return false }

func (q *memQueue) drain() []worker.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

type pdfEngine struct{}

func (pdfEngine) Translate(_ context.Context, r engine.Request) (*engine.Result, error) {
	mono := filepath.Join(r.OutputDir, "doc.mono.pdf")
	if err := os.WriteFile(mono, []byte("%PDF-translated"), 0o644); err != nil {
		return nil, err
	}
	return &engine.Result{MonoPath: mono}, nil
}

type server struct {
	e     *echo.Echo
	jobs  *service.JobService
	queue *memQueue
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.Open(ctx, db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	r := repo.New(gdb)
	require.NoError(t, r.Migrate(ctx))
	_, err = r.EnsureSettings(ctx)
	require.NoError(t, err)

	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	ts := &tokens.Service{AccessSecret: []byte("http-test-secret"), AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	authSvc := service.NewAuthService(r, ts, nil)
	cfgSvc := service.NewConfigService(r, nil, "")
	jobs := service.NewJobService(r, store, pdfEngine{}, cfgSvc, log)
	q := &memQueue{}
	jobs.Queue = q
	jobs.MaxUploadBytes = 1 << 20

	e := New(log, Options{CORSOrigins: []string{"*"}, MaxUploadBytes: jobs.MaxUploadBytes}, &Deps{
		AuthHandler:   &AuthHTTP{Svc: authSvc},
		ConfigHandler: &ConfigHTTP{Svc: cfgSvc, Users: authSvc},
		FilesHandler:  &FilesHTTP{Svc: jobs},
		AdminHandler:  &AdminHTTP{Svc: service.NewAdminService(r, jobs, store, nil)},
		EngineHandler: &EngineHTTP{Svc: jobs, Token: testEngineToken},
		Tokens:        ts,
		Ready:         func(ctx context.Context) error { return db.Ping(ctx, gdb) },
	})
	return &server{e: e, jobs: jobs, queue: q}
}

// runQueued processes everything submitted so far, like the worker pool would.
func (s *server) runQueued(t *testing.T) {
	t.Helper()
	for _, task := range s.queue.drain() {
		s.jobs.Run(context.Background(), task)
	}
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *server) raw(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *server) upload(t *testing.T, token, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.Copy(fw, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("lang_in", "English"))
	require.NoError(t, mw.WriteField("lang_out", "Simplified Chinese"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/files/translate", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return s.raw(t, req, token)
}

// setup creates the admin and returns its access token.
func (s *server) setup(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/setup", "", credentials{Username: "admin", Password: "admin-pass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[service.Session](t, rec).AccessToken
}

// user registers a regular account and returns its session.
func (s *server) user(t *testing.T, name string) service.Session {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/register", "", credentials{Username: name, Password: "user-pass"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[service.Session](t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
