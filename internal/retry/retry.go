// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retries exhausted")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NotifyFunc is called after a failed attempt that will be retried.
type NotifyFunc func(attempt int, err error, next time.Duration)

type options struct {
	sleep  SleepFunc
	notify NotifyFunc
}

// Option customizes Do.
type Option func(*options)

// WithSleep replaces the real timer, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// WithNotify registers a callback for failed attempts that will be retried.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// Delay returns the wait after the given failed attempt (1-indexed):
// base * 2^(attempt-1).
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base << (attempt - 1)
}

// Do calls op up to attempts times, waiting Delay(base, n) after the n-th
// failure. It returns nil on the first success. After the last failure it
// returns an error wrapping both ErrExhausted and op's error. A done ctx stops
// the loop early with ctx's error.
func Do(ctx context.Context, attempts int, base time.Duration, op func(ctx context.Context) error, opts ...Option) error {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		wait := Delay(base, attempt)
		if o.notify != nil {
			o.notify(attempt, err, wait)
		}
		if serr := o.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, serr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w: %w", attempts, ErrExhausted, err)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
