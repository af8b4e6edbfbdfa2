package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/pdf_translator/internal/engine"
	"github.com/Skotchmaster/pdf_translator/internal/models"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	"github.com/Skotchmaster/pdf_translator/internal/storage"
	"github.com/Skotchmaster/pdf_translator/internal/worker"
	"github.com/Skotchmaster/pdf_translator/pkg/db"
	"github.com/Skotchmaster/pdf_translator/pkg/tokens"
)

type fakeQueue struct {
	mu        sync.Mutex
	tasks     []worker.Task
	cancelled []string
	err       error
}

func (q *fakeQueue) Submit(t worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return false
}

// fakeEngine writes artifacts into the output dir like a real engine would.
type fakeEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	fail     string
	err      error
}

func (e *fakeEngine) Translate(ctx context.Context, r engine.Request) (*engine.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, r)
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if e.fail != "" {
		return &engine.Result{Error: e.fail}, nil
	}
	mono := filepath.Join(r.OutputDir, "out.mono.pdf")
	dual := filepath.Join(r.OutputDir, "out.dual.pdf")
	if err := os.WriteFile(mono, []byte("%PDF-mono"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dual, []byte("%PDF-dual"), 0o644); err != nil {
		return nil, err
	}
	return &engine.Result{MonoPath: mono, DualPath: dual}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

type testEnv struct {
	Repo   *repo.GormRepo
	Tokens *tokens.Service
	Store  *storage.LocalStore
	Engine *fakeEngine
	Queue  *fakeQueue
	Events *recordingPublisher
	Auth   *AuthService
	Config *ConfigService
	Jobs   *JobService
	Admin  *AdminService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.Open(ctx, db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	r := repo.New(gdb)
	require.NoError(t, r.Migrate(ctx))
	_, err = r.EnsureSettings(ctx)
	require.NoError(t, err)

	root := t.TempDir()
	store, err := storage.NewLocal(root)
	require.NoError(t, err)

	ts := &tokens.Service{
		AccessSecret:  []byte("test-jwt-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
	}

	events := &recordingPublisher{}
	eng := &fakeEngine{}
	queue := &fakeQueue{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := NewConfigService(r, nil, filepath.Join(root, "config"))
	jobs := NewJobService(r, store, eng, cfg, log)
	jobs.Queue = queue
	jobs.Events = events
	jobs.MaxUploadBytes = 1 << 20

	return &testEnv{
		Repo:   r,
		Tokens: ts,
		Store:  store,
		Engine: eng,
		Queue:  queue,
		Events: events,
		Auth:   NewAuthService(r, ts, events),
		Config: cfg,
		Jobs:   jobs,
		Admin:  NewAdminService(r, jobs, store, events),
	}
}

func (e *testEnv) mustAdmin(t *testing.T) *models.User {
	t.Helper()
	sess, err := e.Auth.Setup(context.Background(), "admin", "admin-pass")
	require.NoError(t, err)
	u, err := e.Repo.GetUserByID(context.Background(), sess.User.ID)
	require.NoError(t, err)
	return u
}

func (e *testEnv) mustUser(t *testing.T, name string) *models.User {
	t.Helper()
	u, err := e.Auth.CreateUser(context.Background(), name, "user-pass", models.RoleUser)
	require.NoError(t, err)
	return u
}

func (e *testEnv) submit(t *testing.T, owner *models.User, name string) *models.Job {
	t.Helper()
	job, err := e.Jobs.Submit(context.Background(), Requester{ID: owner.ID, Role: owner.Role}, Upload{
		Filename: name,
		Body:     strings.NewReader("%PDF-1.7 fake body"),
		LangOut:  "Simplified Chinese",
	})
	require.NoError(t, err)
	return job
}

func asRequester(u *models.User) Requester {
	return Requester{ID: u.ID, Role: u.Role}
}
