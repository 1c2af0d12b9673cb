package worker

import (
	"context"
	"time"

	"upscaler/internal/models"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/worker/processor"
	"upscaler/internal/worker/queue"
)

// Run pops jobs and processes them one at a time until ctx is canceled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	popTimeout := d.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		env, err := d.Queue.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}

			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if env == nil {
			continue
		}

		process(ctx, d, log, env)
	}
}

func process(ctx context.Context, d Deps, log *logger.Logger, env *queue.Envelope) {
	jobCtx := logger.ContextWithJobID(ctx, env.ID)
	jobLog := log.WithJobID(env.ID)

	if err := d.Queue.SetStatus(jobCtx, queue.Status{ID: env.ID, Status: models.JobRunning}); err != nil {
		jobLog.Warn("set status failed", "error", err.Error())
	}

	jobLog.Info("processing job", "queued_ms", time.Since(env.EnqueuedAt).Milliseconds())
	start := time.Now()

	res := d.Processor.Handle(jobCtx, processor.Job{ID: env.ID, Input: env.Input})

	st := queue.Status{ID: env.ID, Status: models.JobCompleted, ExecutionTime: time.Since(start).Milliseconds()}
	if res.Failed() {
		st.Status = models.JobFailed
		st.Error, _ = res["error"].(string)
	} else {
		st.Output = res
	}

	// The job is finished even if the worker is stopping; record it.
	if err := d.Queue.SetStatus(context.WithoutCancel(jobCtx), st); err != nil {
		jobLog.Error("store result failed", "error", err.Error())
	}
	jobLog.Info("job processed", "status", string(st.Status), "duration_ms", st.ExecutionTime)
}
