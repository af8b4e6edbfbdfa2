package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Skotchmaster/pdf_translator/internal/config"
	"github.com/Skotchmaster/pdf_translator/internal/engine"
	"github.com/Skotchmaster/pdf_translator/internal/es"
	"github.com/Skotchmaster/pdf_translator/internal/httpserver"
	"github.com/Skotchmaster/pdf_translator/internal/mykafka"
	"github.com/Skotchmaster/pdf_translator/internal/ratelimit"
	"github.com/Skotchmaster/pdf_translator/internal/repo"
	"github.com/Skotchmaster/pdf_translator/internal/secret"
	"github.com/Skotchmaster/pdf_translator/internal/service"
	"github.com/Skotchmaster/pdf_translator/internal/storage"
	"github.com/Skotchmaster/pdf_translator/internal/worker"
	"github.com/Skotchmaster/pdf_translator/pkg/db"
	"github.com/Skotchmaster/pdf_translator/pkg/logging"
	"github.com/Skotchmaster/pdf_translator/pkg/tokens"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Minute
)

type app struct {
	log   *slog.Logger
	echo  *echo.Echo
	pool  *worker.Pool
	jobs  *service.JobService
	sweep context.CancelFunc
	kafka *mykafka.Producer
	redis *redis.Client
	db    *gorm.DB
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)
	slog.SetDefault(log)

	a, err := build(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	go func() {
		log.Info("http server listening", "port", cfg.Port)
		if err := a.echo.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("echo start", "error", err)
			os.Exit(1)
		}
	}()

	shutdownCtx, forceShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer forceShutdown()

	wait := gfshutdown.GracefulShutdown(shutdownCtx, shutdownTimeout, map[string]gfshutdown.Operation{
		"application": a.stop,
	})
	if code := <-wait; code != 0 {
		log.Error("shutdown completed with errors", "exit_code", code)
		os.Exit(code)
	}
	log.Info("shutdown completed")
}

func build(cfg *config.Config, log *slog.Logger) (*app, error) {
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	initCtx = logging.IntoContext(initCtx, log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	gdb, err := db.Open(initCtx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	r := repo.New(gdb)
	if err := r.Migrate(initCtx); err != nil {
		return nil, err
	}
	if _, err := r.EnsureSettings(initCtx); err != nil {
		return nil, err
	}

	local, err := storage.NewLocal(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	var store storage.Store = local
	if cfg.StorageBackend == "s3" {
		store, err = storage.NewS3(initCtx, local, storage.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
	}

	// nil producer publishes nothing
	var producer *mykafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		if producer, err = mykafka.NewProducer(cfg.KafkaBrokers); err != nil {
			return nil, err
		}
	} else {
		log.Info("kafka disabled, events are not published")
	}

	sealer, err := secret.New(cfg.ConfigEncryptionKey)
	if err != nil {
		return nil, err
	}

	ts := &tokens.Service{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.ServiceName,
	}

	var eng engine.Engine
	if cfg.EngineURL != "" {
		callback := strings.TrimRight(cfg.PublicURL, "/") + "/internal/jobs/{job_id}/callback"
		eng = engine.NewHTTPEngine(cfg.EngineURL, callback, cfg.EngineCallbackToken, cfg.EngineTimeout)
		log.Info("using http translation engine", "url", cfg.EngineURL)
	} else {
		eng = engine.NewCommandEngine(cfg.EngineCommand)
		log.Info("using command translation engine", "command", cfg.EngineCommand)
	}

	authSvc := service.NewAuthService(r, ts, producer)
	cfgSvc := service.NewConfigService(r, sealer, filepath.Join(cfg.DataDir, "config"))
	jobs := service.NewJobService(r, store, eng, cfgSvc, log)
	jobs.Events = producer
	jobs.MaxUploadBytes = cfg.MaxUploadBytes
	jobs.EngineTimeout = cfg.EngineTimeout

	if cfg.ES.URL != "" {
		client, err := es.NewClient(initCtx, es.Config{URL: cfg.ES.URL, User: cfg.ES.User, Password: cfg.ES.Password}, log)
		if err != nil {
			return nil, err
		}
		idx := es.NewJobIndex(client, cfg.ES.Index)
		if err := idx.EnsureIndex(initCtx); err != nil {
			return nil, err
		}
		jobs.Index = idx
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(initCtx).Err(); err != nil {
			return nil, err
		}
		jobs.Limiter = ratelimit.NewSlidingWindow(rdb, cfg.SubmitRateLimit, cfg.SubmitWindow, "pdf_translator:submit")
	}

	if n, err := jobs.RecoverUnfinished(initCtx); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warn("failed jobs interrupted by restart", "count", n)
	}

	pool := worker.NewPool(worker.Config{NumWorkers: cfg.WorkerCount, QueueSize: cfg.QueueSize}, jobs.Run, log)
	jobs.Queue = pool
	if err := pool.Start(logging.IntoContext(context.Background(), log)); err != nil {
		return nil, err
	}

	sweepCtx, stopSweep := context.WithCancel(logging.IntoContext(context.Background(), log))
	go jobs.RunSweeper(sweepCtx, sweepInterval)

	e := httpserver.New(log, httpserver.Options{
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, &httpserver.Deps{
		AuthHandler:   &httpserver.AuthHTTP{Svc: authSvc},
		ConfigHandler: &httpserver.ConfigHTTP{Svc: cfgSvc, Users: authSvc},
		FilesHandler:  &httpserver.FilesHTTP{Svc: jobs},
		AdminHandler:  &httpserver.AdminHTTP{Svc: service.NewAdminService(r, jobs, store, producer)},
		EngineHandler: &httpserver.EngineHTTP{Svc: jobs, Token: cfg.EngineCallbackToken},
		Tokens:        ts,
		Ready:         func(ctx context.Context) error { return db.Ping(ctx, gdb) },
	})
	e.Server.ReadHeaderTimeout = 5 * time.Second

	return &app{log: log, echo: e, pool: pool, jobs: jobs, sweep: stopSweep, kafka: producer, redis: rdb, db: gdb}, nil
}

// stop runs the shutdown steps in order: HTTP, workers, then the backends.
func (a *app) stop(ctx context.Context) error {
	var errs []error

	if err := a.echo.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	a.sweep()
	a.log.Info("stopping workers", "in_flight", a.pool.InFlight(), "queued", a.pool.QueueLen())
	if err := a.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if n, err := a.jobs.FailAfterShutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		a.log.Info("marked unfinished jobs failed", "count", n)
	}

	if err := a.kafka.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.Close(a.db); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
