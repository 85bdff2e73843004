package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastOpts() Options {
	return Options{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		IsTransient: func(error) bool {
			return true
		},
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastOpts(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransientUpToBudget(t *testing.T) {
	boom := errors.New("connection refused")
	opts := fastOpts()
	var retries []int
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		if !errors.Is(err, boom) {
			t.Errorf("OnRetry got error %v, want %v", err, boom)
		}
		if delay <= 0 {
			t.Errorf("OnRetry got non-positive delay %v", delay)
		}
		retries = append(retries, attempt)
	}

	calls := 0
	err := Do(context.Background(), opts, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do returned %v, want %v", err, boom)
	}
	// MaxRetries=2 means three attempts and two retry notifications.
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("expected retry notifications [1 2], got %v", retries)
	}
}

func TestDoRecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastOpts(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	boom := errors.New("bad input")
	opts := fastOpts()
	opts.IsTransient = func(error) bool { return false }

	calls := 0
	err := Do(context.Background(), opts, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do returned %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestDoNilPredicateDisablesRetries(t *testing.T) {
	opts := fastOpts()
	opts.IsTransient = nil

	calls := 0
	err := Do(context.Background(), opts, func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOpts()
	opts.BaseDelay = time.Minute

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, opts, func(context.Context) error {
			calls++
			return errors.New("flaky")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", calls)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 300 * time.Millisecond
	if got := backoff(base, max, 0); got != 100*time.Millisecond {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := backoff(base, max, 1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := backoff(base, max, 2); got != max {
		t.Fatalf("attempt 2: got %v, want cap %v", got, max)
	}
	if got := backoff(base, max, 62); got != max {
		t.Fatalf("overflow attempt: got %v, want cap %v", got, max)
	}
}
