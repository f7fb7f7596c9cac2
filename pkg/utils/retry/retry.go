// Package retry provides bounded retry with backoff for driver-boundary
// calls. Transient Store/Bus/Cluster errors are retried here before being
// promoted to a task-level system error.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry marks an error as transient: the operation may be attempted
// again.
var ErrRetry = errors.New("retry")

// Backoff blocks until the next attempt may start. It returns ctx.Err()
// when the context ends first.
type Backoff func(context.Context) error

// StaticBackoff waits a fixed interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1, 0)
}

// ExponentialBackoff waits initial * r^N before attempt N, capped at limit
// when limit > 0.
func ExponentialBackoff(initial time.Duration, r float64, limit time.Duration) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			next := time.Duration(float64(interval) * r)
			if limit > 0 && next > limit {
				next = limit
			}
			interval = next
			return nil
		}
	}
}

// Blocking calls f until it returns nil or an error that is not ErrRetry.
// The first attempt runs immediately; the backoff applies between attempts.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	var last T
	for {
		var err error
		last, err = f()
		if err == nil || !errors.Is(err, ErrRetry) {
			return last, err
		}
		if err := b(ctx); err != nil {
			return last, err
		}
	}
}

// Attempts calls f up to n times, backing off between failures, and returns
// the last error when every attempt fails. Unlike Blocking, any error counts
// as transient; use this at driver boundaries where the caller cannot
// distinguish.
func Attempts[T any](ctx context.Context, n int, b Backoff, f func() (T, error)) (T, error) {
	var last T
	var err error
	for i := 0; i < n; i++ {
		last, err = f()
		if err == nil {
			return last, nil
		}
		if i == n-1 {
			break
		}
		if berr := b(ctx); berr != nil {
			return last, berr
		}
	}
	return last, err
}

// DriverBackoff is the policy applied to transient driver errors: three
// attempts, 500ms base, doubling, capped at 5s.
func DriverBackoff() Backoff {
	return ExponentialBackoff(500*time.Millisecond, 2, 5*time.Second)
}

// DriverAttempts is the attempt budget paired with DriverBackoff.
const DriverAttempts = 3
