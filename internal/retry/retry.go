// Package retry provides bounded retry with configurable backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// Delay is the base delay after a failure.
	Delay time.Duration
	// Factor multiplies the delay after each attempt. 1.0 means fixed delay.
	Factor float64
	// Jitter randomizes each delay within [0.5x, 1.5x].
	Jitter bool
}

// Fixed returns a config with a fixed delay between attempts.
func Fixed(maxAttempts int, delay time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, Delay: delay, Factor: 1.0}
}

// Once returns a config that allows exactly one retry with no delay. Used
// for the refresh-then-retry profile fetch, where the retry is gated on an
// explicit precondition rather than backoff.
func Once() Config {
	return Config{MaxAttempts: 2, Factor: 1.0}
}

// Do executes op until it succeeds, the attempts are exhausted, the error is
// permanent, or the context is cancelled. Returns the last error.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 1.0
	}

	delay := cfg.Delay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || attempt >= cfg.MaxAttempts {
			return lastErr
		}

		sleep := delay
		if cfg.Jitter && sleep > 0 {
			sleep = time.Duration(float64(sleep) * (0.5 + rand.Float64())) // #nosec G404 -- jitter only
		}
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
	}
	return lastErr
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to stop further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
