// Package retry retries transient failures with capped exponential backoff.
//
// Errors are retried unless wrapped with Permanent:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 200*time.Millisecond}, func() error {
//	    if err := index.Upsert(ctx, rec); err != nil {
//	        if isBadRequest(err) {
//	            return retry.Permanent(err)
//	        }
//	        return err
//	    }
//	    return nil
//	})
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// Jitter in [0,1] shortens each wait by a random fraction of at most
	// Jitter, so concurrent callers do not retry in lockstep.
	Jitter float64
	// OnRetry, when set, is called after a failed attempt that will be
	// retried, with the wait that follows.
	OnRetry func(attempt int, err error, delay time.Duration)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately instead of retrying.
// Do unwraps it before returning, so callers see the original error.
// Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DefaultConfig suits short network writes.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Jitter:       0.2,
}

// Do calls fn up to cfg.MaxAttempts times, backing off between attempts.
// It stops early when fn succeeds, returns a Permanent error, or ctx is
// done. The error from the last attempt is returned, joined with the
// context error when ctx ended the loop.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter > 0 {
			wait -= time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}

	return lastErr
}
