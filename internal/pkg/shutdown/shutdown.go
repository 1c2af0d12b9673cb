// Package shutdown coordinates orderly teardown of the runner and worker
// processes.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"upscaler/internal/pkg/logger"
)

// Manager runs registered cleanup steps once a termination signal arrives.
// Steps run one at a time in reverse registration order, so a server
// registered after its database pool is stopped before the pool closes.
type Manager struct {
	log     *logger.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type step struct {
	name    string
	cleanup func(ctx context.Context) error
}

// NewManager creates a manager whose cleanup phase is bounded by timeout.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup step.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, cleanup: cleanup})
}

// RegisterSimple adds a cleanup step that cannot fail.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(context.Context) error {
		cleanup()
		return nil
	})
}

// Context is canceled as soon as shutdown begins. Long-running loops such as
// the queue worker select on it.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done is closed once every cleanup step has finished or the timeout expired.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT or SIGTERM, or until parent ends, then shuts down.
func (m *Manager) Wait(parent context.Context) error {
	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		m.log.Info("shutdown signal received")
	case <-m.ctx.Done():
	}
	return m.Shutdown()
}

// Shutdown runs the cleanup steps. Calls after the first return nil.
func (m *Manager) Shutdown() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		err = m.run()
		close(m.done)
	})
	return err
}

func (m *Manager) run() error {
	m.mu.Lock()
	steps := make([]step, len(m.steps))
	copy(steps, m.steps)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "steps", len(steps), "timeout", m.timeout.String())

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if ctx.Err() != nil {
			m.log.Warn("shutdown timeout exceeded, skipping step", "name", s.name)
			errs = append(errs, ctx.Err())
			continue
		}
		start := time.Now()
		if err := s.cleanup(ctx); err != nil {
			m.log.Error("shutdown step failed", "name", s.name, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		m.log.Debug("shutdown step completed", "name", s.name, "duration_ms", time.Since(start).Milliseconds())
	}

	if len(errs) == 0 {
		m.log.Info("graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// ExitOnSignal is a convenience for binaries with a single blocking loop: it
// returns a context canceled on SIGINT or SIGTERM.
func ExitOnSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
