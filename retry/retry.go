// Package retry runs an operation with bounded retries and exponential
// backoff. Only errors the caller classifies as transient are retried.
package retry

import (
	"context"
	"time"
)

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

type Options struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// IsTransient decides whether a failed attempt is worth retrying. A nil
	// predicate disables retries entirely.
	IsTransient func(error) bool

	// OnRetry fires before each retry sleep with the 1-based attempt number
	// that just failed, its error, and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (o *Options) normalize() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
}

// Do runs op until it succeeds, returns a non-transient error, or exhausts
// the retry budget. The last error is returned as-is.
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts.normalize()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.IsTransient == nil || !opts.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxRetries {
			break
		}

		delay := backoff(opts.BaseDelay, opts.MaxDelay, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
