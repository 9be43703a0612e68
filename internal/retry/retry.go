// Package retry repeats object store calls that failed transiently.
//
// Backends decide what is transient: they wrap throttling and server-side
// failures with Transient. Everything else fails on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy bounds how often and how patiently a call is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64
	// OnRetry is called before every wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy suits S3-compatible stores under SlowDown pressure.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  4,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Jitter:    0.2,
	}
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. Transient(nil) is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// IsTransient reports whether err, or any error it wraps, was marked Transient.
func IsTransient(err error) bool {
	return errors.As(err, new(transientError))
}

// Do runs op until it succeeds, fails permanently, runs out of attempts or
// ctx ends.
func Do(ctx context.Context, p Policy, op func() error) error {
	_, err := Value(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var zero T
	attempts := max(p.Attempts, 1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op()
		switch {
		case err == nil:
			return v, nil
		case !IsTransient(err):
			return zero, err
		case attempt == attempts:
			if attempts == 1 {
				return zero, err
			}
			return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}

		wait := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// delay doubles from BaseDelay per attempt, capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * (rand.Float64()*2 - 1))
	}
	return d
}
