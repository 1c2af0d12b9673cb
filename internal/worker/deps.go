package worker

import (
	"context"
	"time"

	"upscaler/internal/pkg/logger"
	"upscaler/internal/worker/processor"
	"upscaler/internal/worker/queue"
)

// Queue is the job source the worker drains.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.Envelope, error)
	SetStatus(ctx context.Context, st queue.Status) error
}

// Handler runs one job.
type Handler interface {
	Handle(ctx context.Context, job processor.Job) processor.Result
}

type Deps struct {
	Queue     Queue
	Processor Handler
	// PopTimeout bounds each blocking pop so cancellation is noticed.
	PopTimeout time.Duration
	Log        *logger.Logger
}
