// Package bootstrap wires the job pipeline from configuration. Every binary
// builds its Runtime here so the processor is assembled the same way.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"upscaler/internal/config"
	"upscaler/internal/models"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/metrics"
	"upscaler/internal/pkg/shutdown"
	"upscaler/internal/pkg/tracing"
	"upscaler/internal/ports"
	"upscaler/internal/repositories"
	"upscaler/internal/storage"
	"upscaler/internal/worker/comfy"
	"upscaler/internal/worker/graph"
	"upscaler/internal/worker/media"
	"upscaler/internal/worker/processor"
	"upscaler/internal/worker/queue"
)

// JobStore records job progress and serves it back.
type JobStore interface {
	processor.Recorder
	Get(ctx context.Context, id string) (*models.Job, error)
}

type Options struct {
	// PerJobSession gives each job its own session identity.
	PerJobSession bool
	// Queue connects to Redis.
	Queue bool
}

type Runtime struct {
	Config    *config.Config
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	Tracing   *tracing.Provider
	Comfy     *comfy.Client
	Storage   ports.StorageProvider
	Templates *graph.Store
	Jobs      JobStore
	Processor *processor.Processor

	// Pool is nil when no database is configured.
	Pool *pgxpool.Pool
	// Redis and Queue are nil unless Options.Queue is set.
	Redis *redis.Client
	Queue *queue.RedisQueue
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg config.LogConfig, service string) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		File:        cfg.File,
		MaxSizeMB:   cfg.MaxSizeMB,
		MaxBackups:  cfg.MaxBackups,
		ServiceName: service,
	})
}

// Setup connects every configured dependency and assembles the processor.
// Cleanup steps are registered on sm in dependency order.
func Setup(ctx context.Context, cfg *config.Config, log *logger.Logger, sm *shutdown.Manager, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log, Metrics: metrics.New()}

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.Tracing = tp
	sm.Register("tracing", tp.Shutdown)

	rt.Templates = graph.DefaultStore()
	if cfg.Templates.Dir != "" {
		rt.Templates = graph.DirStore(cfg.Templates.Dir)
	}
	if err := rt.Templates.Validate(); err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	rt.Storage, err = storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage provider initialized", "provider", rt.Storage.Provider())

	rt.Jobs = repositories.NopJobRepository{}
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		sm.RegisterSimple("postgres", pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		repo := repositories.NewJobRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("create jobs table: %w", err)
		}
		rt.Pool, rt.Jobs = pool, repo
		log.Info("PostgreSQL connected")
	}

	if opts.Queue {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sm.Register("redis", func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rt.Redis = rdb
		rt.Queue = queue.NewRedisQueue(rdb, cfg.Redis.Queue, cfg.Redis.ResultTTL)
		log.Info("Redis connected", "queue", cfg.Redis.Queue)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	rt.Comfy = comfy.New(comfy.Config{
		BaseURL:           cfg.Comfy.BaseURL(),
		RequestTimeout:    cfg.Comfy.RequestTimeout,
		CompletionTimeout: cfg.Comfy.CompletionTimeout,
		Metrics:           rt.Metrics,
	}, log)

	var session comfy.SessionID
	if !opts.PerJobSession {
		session = comfy.NewSessionID()
		log.Info("session identity generated", "session_id", string(session))
	}

	rt.Processor = processor.New(processor.Deps{
		Backend:       processor.NewComfyBackend(rt.Comfy, cfg.Comfy.Probe, cfg.Comfy.Connect),
		Templates:     rt.Templates,
		Inspector:     media.Probe{FFprobePath: cfg.Media.FFprobePath},
		SP:            rt.Storage,
		Jobs:          rt.Jobs,
		WorkDir:       cfg.WorkDir,
		InputDir:      cfg.Comfy.InputDir,
		Download:      cfg.Comfy.Download,
		HTTPClient:    &http.Client{},
		Session:       session,
		PerJobSession: opts.PerJobSession,
		Metrics:       rt.Metrics,
		Tracing:       rt.Tracing,
		Log:           log,
	})

	return rt, nil
}
