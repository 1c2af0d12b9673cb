package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"upscaler/internal/models"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/worker/processor"
	"upscaler/internal/worker/queue"
)

type memQueue struct {
	mu       sync.Mutex
	pending  []*queue.Envelope
	statuses map[string][]models.JobStatus
	final    map[string]queue.Status
	drained  chan struct{}
}

func newMemQueue(envs ...*queue.Envelope) *memQueue {
	return &memQueue{
		pending:  envs,
		statuses: make(map[string][]models.JobStatus),
		final:    make(map[string]queue.Status),
		drained:  make(chan struct{}),
	}
}

func (q *memQueue) Pop(ctx context.Context, timeout time.Duration) (*queue.Envelope, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		env := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return env, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (q *memQueue) SetStatus(ctx context.Context, st queue.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[st.ID] = append(q.statuses[st.ID], st.Status)
	q.final[st.ID] = st
	if st.Status.Terminal() && len(q.pending) == 0 {
		select {
		case <-q.drained:
		default:
			close(q.drained)
		}
	}
	return nil
}

type handlerFunc func(ctx context.Context, job processor.Job) processor.Result

func (f handlerFunc) Handle(ctx context.Context, job processor.Job) processor.Result {
	return f(ctx, job)
}

func TestRunProcessesQueuedJobs(t *testing.T) {
	q := newMemQueue(
		&queue.Envelope{ID: "ok", Input: map[string]any{"video_path": "/a.mp4"}},
		&queue.Envelope{ID: "bad", Input: map[string]any{}},
	)
	h := handlerFunc(func(ctx context.Context, job processor.Job) processor.Result {
		if job.ID == "bad" {
			return processor.Result{"error": "missing input"}
		}
		return processor.Result{"video": "ZGF0YQ=="}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Deps{Queue: q, Processor: h, PopTimeout: 10 * time.Millisecond, Log: logger.Discard()})
	}()

	select {
	case <-q.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs were not processed")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if got := q.statuses["ok"]; len(got) != 2 || got[0] != models.JobRunning || got[1] != models.JobCompleted {
		t.Errorf("unexpected transitions for ok: %v", got)
	}
	if q.final["ok"].Output["video"] != "ZGF0YQ==" {
		t.Errorf("expected stored output, got %+v", q.final["ok"])
	}
	if st := q.final["bad"]; st.Status != models.JobFailed || st.Error != "missing input" || st.Output != nil {
		t.Errorf("unexpected failure status %+v", st)
	}
}
