package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 10, Interval: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 5 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 calls, got %d", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, Interval: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected last error to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoAttemptTimeout(t *testing.T) {
	start := time.Now()
	err := Do(context.Background(), Policy{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("hanging attempts were not bounded: %v", elapsed)
	}
}

func TestDoParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 100, Interval: time.Hour}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoNotify(t *testing.T) {
	var seen []int
	_ = DoNotify(context.Background(), Policy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		return errors.New("x")
	}, func(attempt int, err error) {
		seen = append(seen, attempt)
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("expected notifications for attempts 1 and 2, got %v", seen)
	}
}

func TestPolicyBudget(t *testing.T) {
	p := Policy{MaxAttempts: 180, Interval: time.Second, AttemptTimeout: 5 * time.Second}
	if got, want := p.Budget(), 180*5*time.Second+179*time.Second; got != want {
		t.Errorf("Budget() = %v, want %v", got, want)
	}
	if (Policy{}).Budget() != 0 {
		t.Error("zero policy should have zero budget")
	}
}
