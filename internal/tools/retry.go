package tools

import (
	"context"
	"time"

	"github.com/duskline/traderd/internal/risk"
)

// RetryConfig controls the exponential backoff a capability adapter applies
// to its own transient failures (spec §4.5: "individual tool adapters may
// retry with exponential backoff up to max_retries").
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig matches the policy defaults named in spec.md §4.5.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second}
}

// withRetry runs fn up to cfg.MaxRetries+1 times with doubling backoff,
// recording each outcome against breaker so repeated ToolTransient failures
// escalate into a tripped breaker per spec §7. A nil breaker disables that
// bookkeeping — callers that don't share a breaker can still use withRetry
// for its backoff behavior alone.
func withRetry(ctx context.Context, breaker *risk.Breaker, label string, fn func() error) error {
	var err error
	delay := DefaultRetryConfig().BaseDelay
	maxAttempts := DefaultRetryConfig().MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}

		if breaker != nil {
			breaker.RecordFailure(risk.FailureEvent{Capability: label, Err: err})
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
