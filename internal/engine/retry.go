package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// IsRetryableError classifies whether a backend error should be retried.
// Retryable: timeouts, rate limits, network faults. Non-retryable:
// cancellation, auth failures, invalid requests, and everything that is not
// a backend-side condition.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is an act-level timeout, worth another attempt.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// StagehandError checks its own code.
	var se *schema.StagehandError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	// Raw network errors from unclassified clients.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
// Supports none, constant, linear, and exponential backoff with an
// optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
