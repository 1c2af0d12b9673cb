package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"upscaler/internal/models"
)

var ErrNotFound = errors.New("job status not found")

// Envelope is a queued job.
type Envelope struct {
	ID         string         `json:"id"`
	Input      map[string]any `json:"input"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Status is the caller-visible state of a queued job.
type Status struct {
	ID     string           `json:"id"`
	Status models.JobStatus `json:"status"`
	Output map[string]any   `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
	// ExecutionTime is in milliseconds.
	ExecutionTime int64     `json:"executionTime,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RedisQueue is a FIFO job list plus per-job status keys.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
	ttl       time.Duration
}

func NewRedisQueue(rdb *redis.Client, queueName string, ttl time.Duration) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName, ttl: ttl}
}

func (q *RedisQueue) statusKey(id string) string {
	return fmt.Sprintf("%s:status:%s", q.queueName, id)
}

// Push enqueues a job and records it as IN_QUEUE.
func (q *RedisQueue) Push(ctx context.Context, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	st, err := json.Marshal(Status{ID: env.ID, Status: models.JobQueued, UpdatedAt: env.EnqueuedAt})
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.statusKey(env.ID), st, q.ttl)
		pipe.LPush(ctx, q.queueName, body)
		return nil
	})
	return err
}

// Pop blocks until a job is available or timeout elapses. A nil envelope
// with a nil error means the wait timed out.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("decode queued job: %w", err)
	}
	return &env, nil
}

// SetStatus stores st, refreshing the key's TTL.
func (q *RedisQueue) SetStatus(ctx context.Context, st Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, q.statusKey(st.ID), body, q.ttl).Err()
}

func (q *RedisQueue) GetStatus(ctx context.Context, id string) (*Status, error) {
	body, err := q.rdb.Get(ctx, q.statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &st, nil
}

// Len returns the number of waiting jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
