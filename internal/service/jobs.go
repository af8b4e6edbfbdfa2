package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Skotchmaster/pdf_translator/internal/engine"
	"github.com/Skotchmaster/pdf_translator/internal/keylock"
	"github.com/Skotchmaster/pdf_translator/internal/models"
	"github.com/Skotchmaster/pdf_translator/internal/mykafka"
	"github.com/Skotchmaster/pdf_translator/internal/ratelimit"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	"github.com/Skotchmaster/pdf_translator/internal/storage"
	"github.com/Skotchmaster/pdf_translator/internal/util"
	"github.com/Skotchmaster/pdf_translator/internal/worker"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
)

const (
	ArtifactMono = "mono"
	ArtifactDual = "dual"

	ReasonShutdown    = "shutdown"
	ReasonQueueFull   = "queue full"
	ReasonInterrupted = "interrupted by restart"
)

var pdfMagic = []byte("%PDF-")

type Queue interface {
	Submit(t worker.Task) error
	Cancel(jobID string) bool
}

// JobIndex is the optional full-text index over job history.
type JobIndex interface {
	IndexJob(ctx context.Context, j *models.Job) error
	DeleteJob(ctx context.Context, id string) error
	Search(ctx context.Context, ownerID, query string, from, size int) (int64, []string, error)
}

type JobService struct {
	Repo    *repo.GormRepo
	Store   storage.Store
	Engine  engine.Engine
	Queue   Queue
	Configs *ConfigService
	Events  mykafka.Publisher
	Index   JobIndex
	Limiter ratelimit.Limiter
	Log     *slog.Logger

	MaxUploadBytes int64
	EngineTimeout  time.Duration

	locks *keylock.Map
}

func NewJobService(r *repo.GormRepo, store storage.Store, eng engine.Engine, configs *ConfigService, l *slog.Logger) *JobService {
	return &JobService{
		Repo:           r,
		Store:          store,
		Engine:         eng,
		Configs:        configs,
		Limiter:        ratelimit.Noop{},
		Log:            l.With("svc", "jobs"),
		MaxUploadBytes: 100 << 20,
		EngineTimeout:  30 * time.Minute,
		locks:          keylock.New(),
	}
}

type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
	LangIn   string
	LangOut  string
}

type SearchResult struct {
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
	Pages int64        `json:"pages"`
	Items []models.Job `json:"items"`
}

// Submit stores the upload, records a pending job and queues it. It returns
// as soon as the job is queued.
func (s *JobService) Submit(ctx context.Context, req Requester, up Upload) (*models.Job, error) {
	l := logging.FromContext(ctx).With("svc", "jobs.submit", "user_id", req.ID)

	if err := s.allow(ctx, req.ID); err != nil {
		l.Warn("submit_rejected", "reason", "rate limited")
		return nil, err
	}

	name := storage.SanitizeFilename(up.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return nil, fmt.Errorf("%w: only PDF files are supported", ErrValidation)
	}
	if s.MaxUploadBytes > 0 && up.Size > s.MaxUploadBytes {
		return nil, fmt.Errorf("%w: file exceeds %d MB", ErrValidation, s.MaxUploadBytes>>20)
	}

	br := bufio.NewReader(up.Body)
	head, err := br.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(head, pdfMagic) {
		return nil, fmt.Errorf("%w: file is not a PDF document", ErrValidation)
	}

	var body io.Reader = br
	if s.MaxUploadBytes > 0 {
		body = io.LimitReader(br, s.MaxUploadBytes+1)
	}

	jobID := uuid.NewString()
	path, size, err := s.Store.SaveUpload(ctx, req.ID, jobID, name, body)
	if err != nil {
		l.Error("submit_error", "reason", "cannot store upload", "error", err)
		return nil, err
	}
	if s.MaxUploadBytes > 0 && size > s.MaxUploadBytes {
		_ = s.Store.Remove(ctx, path)
		return nil, fmt.Errorf("%w: file exceeds %d MB", ErrValidation, s.MaxUploadBytes>>20)
	}

	job := &models.Job{
		ID:             jobID,
		OwnerID:        req.ID,
		Status:         models.JobPending,
		SourceFilename: name,
		SourcePath:     path,
		SizeBytes:      size,
		LangIn:         engine.NormalizeLang(up.LangIn, "en"),
		LangOut:        engine.NormalizeLang(up.LangOut, "zh"),
	}
	if err := s.Repo.CreateJob(ctx, job); err != nil {
		_ = s.Store.Remove(ctx, path)
		return nil, err
	}
	s.afterChange(ctx, job, mykafka.EventJobSubmitted)

	if err := s.Queue.Submit(worker.Task{JobID: job.ID, OwnerID: job.OwnerID}); err != nil {
		l.Error("submit_error", "job_id", job.ID, "reason", "cannot enqueue", "error", err)
		reason := ReasonQueueFull
		if errors.Is(err, worker.ErrStopped) {
			reason = ReasonShutdown
		}
		if _, fErr := s.Repo.FailJob(context.WithoutCancel(ctx), job.ID, reason, time.Now().UTC()); fErr != nil {
			l.Error("submit_error", "job_id", job.ID, "reason", "cannot mark failed", "error", fErr)
		}
		return nil, fmt.Errorf("%w: translation queue is busy, try again later", ErrUnavailable)
	}

	l.Info("job_submitted", "job_id", job.ID, "filename", name, "size", size)
	return job, nil
}

func (s *JobService) allow(ctx context.Context, userID string) error {
	if s.Limiter == nil {
		return nil
	}
	res, err := s.Limiter.Allow(ctx, userID)
	if err != nil {
		// fail open: a Redis outage must not block translations
		logging.FromContext(ctx).Warn("rate_limit_unavailable", "error", err)
		return nil
	}
	if !res.Allowed {
		return &RateLimitError{RetryAfter: res.RetryAfter}
	}
	return nil
}

// Run is the worker pool handler for one job.
func (s *JobService) Run(ctx context.Context, t worker.Task) {
	l := s.Log.With("job_id", t.JobID)
	bg := context.WithoutCancel(ctx)

	unlock := s.locks.Lock(t.JobID)
	ok, err := s.Repo.MarkRunning(bg, t.JobID)
	unlock()
	if err != nil {
		l.Error("mark_running_failed", "error", err)
		return
	}
	if !ok {
		l.Info("job_skipped", "reason", "not pending")
		return
	}

	job, err := s.Repo.GetJob(bg, t.JobID)
	if err != nil {
		l.Warn("job_vanished", "error", err)
		return
	}
	s.afterChange(bg, job, mykafka.EventJobRunning)

	res := s.translate(ctx, job)
	if res == nil {
		return
	}
	if err := s.OnEngineCallback(bg, t.JobID, res); err != nil {
		l.Error("callback_failed", "error", err)
	}
}

// translate returns nil when the engine will report back asynchronously.
func (s *JobService) translate(ctx context.Context, job *models.Job) *engine.Result {
	bg := context.WithoutCancel(ctx)
	settings, err := s.Configs.EffectiveSettings(ctx, job.OwnerID)
	if err != nil {
		return &engine.Result{Error: "load settings: " + err.Error()}
	}
	outDir, err := s.Store.OutputDir(job.OwnerID, job.ID)
	if err != nil {
		return &engine.Result{Error: "prepare output: " + err.Error()}
	}

	engCtx, cancel := context.WithTimeout(ctx, s.EngineTimeout)
	defer cancel()

	res, err := s.Engine.Translate(engCtx, engine.Request{
		JobID:      job.ID,
		SourcePath: job.SourcePath,
		OutputDir:  outDir,
		LangIn:     job.LangIn,
		LangOut:    job.LangOut,
		Settings:   settings,
		Progress: func(pct int) {
			if err := s.Progress(bg, job.ID, pct); err != nil {
				s.Log.Warn("progress_update_failed", "job_id", job.ID, "error", err)
			}
		},
	})
	switch {
	case errors.Is(err, engine.ErrAccepted):
		unlock := s.locks.Lock(job.ID)
		if _, mErr := s.Repo.MarkAsync(bg, job.ID); mErr != nil {
			s.Log.Error("mark_async_failed", "job_id", job.ID, "error", mErr)
		}
		unlock()
		return nil
	case err == nil:
		return res
	case errors.Is(context.Cause(ctx), worker.ErrShutdown):
		return &engine.Result{Error: ReasonShutdown}
	case errors.Is(context.Cause(ctx), worker.ErrCancelled):
		return &engine.Result{Error: "cancelled"}
	case errors.Is(engCtx.Err(), context.DeadlineExceeded):
		return &engine.Result{Error: fmt.Sprintf("engine timed out after %s", s.EngineTimeout)}
	default:
		return &engine.Result{Error: err.Error()}
	}
}

// Progress records how far the engine got, clamped to 0-100.
func (s *JobService) Progress(ctx context.Context, jobID string, pct int) error {
	pct = min(max(pct, 0), 100)
	unlock := s.locks.Lock(jobID)
	defer unlock()
	_, err := s.Repo.SetProgress(ctx, jobID, pct)
	return err
}

// OnEngineCallback applies an engine outcome to a job. Terminal jobs are left
// untouched; results for deleted jobs are discarded together with their files.
// A result that only carries progress updates the job's progress.
func (s *JobService) OnEngineCallback(ctx context.Context, jobID string, res *engine.Result) error {
	l := logging.FromContext(ctx).With("svc", "jobs.callback", "job_id", jobID)

	if !res.Final() {
		return s.Progress(ctx, jobID, *res.Progress)
	}

	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Warn("callback_discarded", "reason", "job deleted")
			if res != nil {
				if rmErr := s.Store.DiscardOutputs(ctx, jobID, res.MonoPath, res.DualPath); rmErr != nil {
					l.Warn("orphan_cleanup_failed", "error", rmErr)
				}
			}
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		l.Warn("callback_ignored", "reason", "job already finished", "status", job.Status)
		return nil
	}

	now := time.Now().UTC()
	if res.Failed() {
		return s.fail(ctx, l, job, res.Reason(), now)
	}

	var mono, dual string
	if res.MonoPath != "" {
		if mono, err = s.Store.Adopt(ctx, job.OwnerID, job.ID, res.MonoPath); err != nil {
			return s.fail(ctx, l, job, "store mono artifact: "+err.Error(), now)
		}
	}
	if res.DualPath != "" {
		if dual, err = s.Store.Adopt(ctx, job.OwnerID, job.ID, res.DualPath); err != nil {
			_ = s.Store.Remove(ctx, mono)
			return s.fail(ctx, l, job, "store dual artifact: "+err.Error(), now)
		}
	}

	if _, err := s.Repo.CompleteJob(ctx, job.ID, mono, dual, now); err != nil {
		return err
	}
	job.Status, job.MonoArtifactPath, job.DualArtifactPath, job.FinishedAt = models.JobDone, mono, dual, &now
	job.Progress = 100
	l.Info("job_done", "has_mono", mono != "", "has_dual", dual != "")
	s.afterChange(ctx, job, mykafka.EventJobDone)
	return nil
}

func (s *JobService) fail(ctx context.Context, l *slog.Logger, job *models.Job, reason string, at time.Time) error {
	if _, err := s.Repo.FailJob(ctx, job.ID, reason, at); err != nil {
		return err
	}
	job.Status, job.Error, job.FinishedAt = models.JobFailed, reason, &at
	l.Warn("job_failed", "reason", reason)
	s.afterChange(ctx, job, mykafka.EventJobFailed)
	return nil
}

func (s *JobService) Get(ctx context.Context, req Requester, id string) (*models.Job, error) {
	job, err := s.Repo.GetJob(ctx, id)
	if err != nil {
		return nil, notFound(err, "job")
	}
	if !canAccess(job, req) {
		return nil, fmt.Errorf("%w: not your job", ErrForbidden)
	}
	return job, nil
}

func (s *JobService) List(ctx context.Context, ownerID string) ([]models.Job, error) {
	return s.Repo.ListJobsByOwner(ctx, ownerID)
}

func (s *JobService) ListAll(ctx context.Context) ([]models.JobWithOwner, error) {
	return s.Repo.ListAllJobs(ctx)
}

// Delete cancels a running translation and removes the files before the row.
func (s *JobService) Delete(ctx context.Context, req Requester, id string) error {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return err
	}
	return s.deleteJob(ctx, job)
}

// deleteJob reloads the row under the job lock: the caller's copy may predate
// a callback that stored artifacts.
func (s *JobService) deleteJob(ctx context.Context, seen *models.Job) error {
	l := logging.FromContext(ctx).With("svc", "jobs.delete", "job_id", seen.ID)

	unlock := s.locks.Lock(seen.ID)
	defer unlock()

	if s.Queue != nil && s.Queue.Cancel(seen.ID) {
		l.Info("job_cancelled")
	}

	job, err := s.Repo.GetJob(ctx, seen.ID)
	if err != nil {
		return notFound(err, "job")
	}

	if err := s.Store.Remove(ctx, job.MonoArtifactPath, job.DualArtifactPath, job.SourcePath); err != nil {
		l.Warn("delete_files_failed", "error", err)
	}
	if err := s.Store.RemoveJob(ctx, job.OwnerID, job.ID); err != nil {
		l.Warn("delete_files_failed", "error", err)
	}
	if err := s.Repo.DeleteJob(ctx, job.ID); err != nil {
		return notFound(err, "job")
	}

	if s.Index != nil {
		if err := s.Index.DeleteJob(ctx, job.ID); err != nil {
			l.Warn("index_delete_failed", "error", err)
		}
	}
	s.publish(ctx, job, mykafka.EventJobDeleted)
	l.Info("job_deleted")
	return nil
}

// DeleteAllForUser purges a user's jobs and reports how many were removed.
func (s *JobService) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	if _, err := s.Repo.GetUserByID(ctx, userID); err != nil {
		return 0, notFound(err, "user")
	}
	jobs, err := s.Repo.ListJobsByOwner(ctx, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range jobs {
		if err := s.deleteJob(ctx, &jobs[i]); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Artifact opens a finished translation for download.
func (s *JobService) Artifact(ctx context.Context, req Requester, id, kind string) (io.ReadCloser, string, error) {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return nil, "", err
	}

	var ref string
	switch kind {
	case ArtifactMono:
		ref = job.MonoArtifactPath
	case ArtifactDual:
		ref = job.DualArtifactPath
	default:
		return nil, "", fmt.Errorf("%w: unknown artifact %q", ErrValidation, kind)
	}
	if job.Status != models.JobDone || ref == "" {
		return nil, "", fmt.Errorf("%w: %s output is not available", ErrNotFound, kind)
	}

	rc, err := s.Store.Open(ctx, ref)
	if err != nil {
		logging.FromContext(ctx).Warn("artifact_open_failed", "job_id", id, "error", err)
		return nil, "", fmt.Errorf("%w: %s output file is missing", ErrNotFound, kind)
	}
	stem := strings.TrimSuffix(job.SourceFilename, filepath.Ext(job.SourceFilename))
	return rc, fmt.Sprintf("%s_%s.pdf", stem, kind), nil
}

// Search looks through job history. Non-admins only see their own jobs.
func (s *JobService) Search(ctx context.Context, req Requester, q string, page, size int) (*SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	offset, limit := util.Calculate(page, size)
	if page < 1 {
		page = 1
	}

	owner := req.ID
	if req.IsAdmin() {
		owner = ""
	}

	if s.Index != nil {
		total, ids, err := s.Index.Search(ctx, owner, q, offset, limit)
		if err == nil {
			jobs, err := s.Repo.ListJobsByIDs(ctx, ids)
			if err != nil {
				return nil, err
			}
			return &SearchResult{Total: total, Page: page, Size: limit, Pages: util.TotalPages(total, limit), Items: jobs}, nil
		}
		logging.FromContext(ctx).Warn("search_index_unavailable", "error", err)
	}

	jobs, err := s.Repo.SearchJobsByFilename(ctx, owner, q, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.Repo.CountJobsByFilename(ctx, owner, q)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Total: total, Page: page, Size: limit, Pages: util.TotalPages(total, limit), Items: jobs}, nil
}

// RecoverUnfinished fails jobs left pending or running by a previous process.
// Jobs handed to an async engine are left to SweepStale.
func (s *JobService) RecoverUnfinished(ctx context.Context) (int64, error) {
	return s.Repo.FailUnfinished(ctx, ReasonInterrupted, time.Now().UTC())
}

// FailAfterShutdown fails whatever the stopped pool left behind.
func (s *JobService) FailAfterShutdown(ctx context.Context) (int64, error) {
	return s.Repo.FailUnfinished(ctx, ReasonShutdown, time.Now().UTC())
}

// SweepStale fails async jobs whose engine has not reported back within
// EngineTimeout.
func (s *JobService) SweepStale(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stale, err := s.Repo.ListStaleAsync(ctx, now.Add(-s.EngineTimeout))
	if err != nil {
		return 0, err
	}
	reason := fmt.Sprintf("engine timed out after %s", s.EngineTimeout)
	l := logging.FromContext(ctx).With("svc", "jobs.sweep")

	failed := 0
	for i := range stale {
		job := &stale[i]
		unlock := s.locks.Lock(job.ID)
		ok, err := s.Repo.FailJob(ctx, job.ID, reason, now)
		unlock()
		if err != nil {
			return failed, err
		}
		if !ok {
			continue
		}
		failed++
		job.Status, job.Error, job.FinishedAt = models.JobFailed, reason, &now
		l.Warn("job_failed", "job_id", job.ID, "reason", reason)
		s.afterChange(ctx, job, mykafka.EventJobFailed)
	}
	return failed, nil
}

// RunSweeper calls SweepStale every interval until ctx ends.
func (s *JobService) RunSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.SweepStale(ctx); err != nil {
				if ctx.Err() == nil {
					s.Log.Error("sweep_failed", "error", err)
				}
			} else if n > 0 {
				s.Log.Warn("stale jobs failed", "count", n)
			}
		}
	}
}

func (s *JobService) afterChange(ctx context.Context, job *models.Job, event string) {
	if s.Index != nil {
		if err := s.Index.IndexJob(ctx, job); err != nil {
			logging.FromContext(ctx).Warn("index_job_failed", "job_id", job.ID, "error", err)
		}
	}
	s.publish(ctx, job, event)
}

func (s *JobService) publish(ctx context.Context, job *models.Job, event string) {
	if s.Events == nil {
		return
	}
	ev := mykafka.JobEvent{
		Type:     event,
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Filename: job.SourceFilename,
		Status:   string(job.Status),
		Error:    job.Error,
		At:       time.Now().UTC(),
	}
	if err := s.Events.PublishEvent(ctx, mykafka.TopicJobEvents, job.ID, ev); err != nil {
		logging.FromContext(ctx).Warn("publish_failed", "topic", mykafka.TopicJobEvents, "event", event, "error", err)
	}
}
