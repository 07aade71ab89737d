package syncutils

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Retryable is implemented by errors that should be retried by Retry,
// distinguishing transient StoreError-style failures from fatal ones
// (spec section 7).
type Retryable interface {
	Retryable() bool
}

// IsRetryable classifies err using the Retryable interface if present;
// unclassified errors are treated as non-retryable, matching the
// conservative default of spec section 7 ("fatal errors abort").
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// RetryConfig bounds a Retry call's attempts and backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retry calls f until it succeeds, f returns a non-retryable error,
// attempts are exhausted, or ctx is cancelled. Delay between attempts
// grows exponentially from BaseDelay, capped at MaxDelay, with full
// jitter applied so that many retrying callers don't synchronize.
func Retry(ctx context.Context, cfg RetryConfig, f func() error) error {
	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		jittered := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return errors.Wrap(lastErr, "retry attempts exhausted")
}
