// Package worker runs translation jobs on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("worker pool is stopped")

	// Causes attached to a job context when it is cancelled.
	ErrShutdown  = errors.New("shutdown")
	ErrCancelled = errors.New("cancelled")
)

type Task struct {
	JobID   string
	OwnerID string
}

type Handler func(ctx context.Context, t Task)

type Config struct {
	NumWorkers int
	QueueSize  int
}

type Pool struct {
	cfg     Config
	handler Handler
	log     *slog.Logger
	queue   chan Task

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	running  bool
	stopped  bool
	cancel   context.CancelCauseFunc
	group    *errgroup.Group
}

func NewPool(cfg Config, h Handler, l *slog.Logger) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.NumWorkers
	}
	return &Pool{
		cfg:      cfg,
		handler:  h,
		log:      l.With("component", "worker_pool"),
		queue:    make(chan Task, cfg.QueueSize),
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool is already running")
	}
	if p.stopped {
		return ErrStopped
	}

	workerCtx, cancel := context.WithCancelCause(ctx)
	p.cancel = cancel
	p.group = &errgroup.Group{}
	for i := 0; i < p.cfg.NumWorkers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		p.group.Go(func() error {
			p.run(workerCtx, id)
			return nil
		})
	}
	p.running = true
	p.log.Info("worker pool started", "workers", p.cfg.NumWorkers, "queue_size", p.cfg.QueueSize)
	return nil
}

func (p *Pool) run(ctx context.Context, id string) {
	l := p.log.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			if ctx.Err() != nil {
				return
			}
			p.process(ctx, l, t)
		}
	}
}

func (p *Pool) process(ctx context.Context, l *slog.Logger, t Task) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	p.mu.Lock()
	p.inflight[t.JobID] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, t.JobID)
		p.mu.Unlock()
		cancel(nil)

		if r := recover(); r != nil {
			l.Error("job handler panicked", "job_id", t.JobID, "panic", r)
		}
	}()

	p.handler(jobCtx, t)
}

// Submit never blocks; a full queue is reported as ErrQueueFull.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.running {
		return ErrStopped
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts the running attempt of a job. It reports whether one was found.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.inflight[jobID]
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// Stop cancels in-flight jobs with ErrShutdown and waits for the workers.
// Queued tasks are left unprocessed.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	for _, cancel := range p.inflight {
		cancel(ErrShutdown)
	}
	p.cancel(ErrShutdown)
	group := p.group
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("all workers stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("timeout waiting for workers to stop")
		return ctx.Err()
	}
}
