package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

// RetryPolicy bounds how often a failed capture or OCR call is retried
// inside one step. Clicks are never retried: a repeated click would apply
// the crafting currency twice.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int `json:"attempts"`
	// Backoff is one of constant, linear or exponential.
	Backoff  string        `json:"backoff"`
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy retries a capture once after 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 2, Backoff: "exponential", Delay: 100 * time.Millisecond, MaxDelay: time.Second}
}

// IsRetryableError reports whether a failed capability call is worth
// another try. Cancellation and errors that are fatal for the run are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeCancelled, schema.ErrCodeCapabilityUnavailable,
		schema.ErrCodeConfiguration, schema.ErrCodeValidation:
		return false
	}
	return true
}

// ComputeBackoff returns the wait before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = policy.Delay << min(attempt, 30)
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
