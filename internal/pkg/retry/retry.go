// Package retry runs an operation under a bounded attempt budget.
//
// Every loop in the upscaler that waits on something outside the process
// (backend readiness, the event channel, input downloads) goes through Do so
// that no wait is unbounded.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned, wrapped around the last failure, once every
// attempt of a Policy has failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Interval is the pause between attempts.
	Interval time.Duration
	// AttemptTimeout bounds a single attempt. Zero means the attempt is only
	// bounded by the parent context.
	AttemptTimeout time.Duration
}

// Budget is the longest time a policy can spend, ignoring operation time
// beyond AttemptTimeout.
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts <= 0 {
		return 0
	}
	return time.Duration(p.MaxAttempts)*p.AttemptTimeout + time.Duration(p.MaxAttempts-1)*p.Interval
}

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// Notify is called after every failed attempt that will be retried.
type Notify func(attempt int, err error)

// Do runs op until it succeeds, the parent context ends, or the policy's
// attempts are used up.
func Do(ctx context.Context, p Policy, op Op) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback on each retried failure.
func DoNotify(ctx context.Context, p Policy, op Op, notify Notify) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w: last error: %w", err, last)
			}
			return err
		}

		last = runAttempt(ctx, p.AttemptTimeout, attempt, op)
		if last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if notify != nil {
			notify(attempt, last)
		}

		if p.Interval > 0 {
			t := time.NewTimer(p.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w: last error: %w", ctx.Err(), last)
			case <-t.C:
			}
		}
	}

	return fmt.Errorf("%w (%d attempts): %w", ErrExhausted, attempts, last)
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, op Op) error {
	if timeout <= 0 {
		return op(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(actx, attempt)
}
