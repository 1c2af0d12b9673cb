package handlers

import (
	"context"

	"upscaler/internal/models"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/ports"
	"upscaler/internal/worker/processor"
	"upscaler/internal/worker/queue"
)

// Runner executes a job inline.
type Runner interface {
	Handle(ctx context.Context, job processor.Job) processor.Result
}

// Queue accepts jobs for the background worker and reports their status.
type Queue interface {
	Push(ctx context.Context, env queue.Envelope) error
	GetStatus(ctx context.Context, id string) (*queue.Status, error)
	Ping(ctx context.Context) error
}

// JobReader reads persisted job records.
type JobReader interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Runner Runner
	// Queue is nil when no Redis is configured; /run is then unavailable.
	Queue   Queue
	Jobs    JobReader
	Backend Pinger
	DB      Pinger
	SP      ports.StorageProvider
	Log     *logger.Logger
}

type Handler struct {
	runner  Runner
	queue   Queue
	jobs    JobReader
	backend Pinger
	db      Pinger
	sp      ports.StorageProvider
	log     *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		runner:  d.Runner,
		queue:   d.Queue,
		jobs:    d.Jobs,
		backend: d.Backend,
		db:      d.DB,
		sp:      d.SP,
		log:     log.WithComponent("httpapi"),
	}
}
