package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/provider"
	"github.com/rendis/stepwise/pkg/schema"
)

// IsRetryableError reports whether a failed step attempt may be retried.
// Step timeouts, network failures and transient provider errors are; fatal
// governor errors, cancellation, configuration and validation errors are not.
// Unclassified errors are retryable and left to the step's retry budget.
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
	if schema.IsFatal(err) {
		return false
	}
	if provider.IsTransient(err) {
		return true
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		// A tool or provider failure wraps its cause; let the cause decide
		// when it is a network error.
		var netErr net.Error
		if errors.As(engErr.Cause, &netErr) {
			return true
		}
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "too many requests", "service unavailable"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt+1.
//
//	exponential: delay * 2^attempt
//	linear:      delay * (attempt+1)
//	constant, "": delay
//	none:        0
//
// The result is capped by max_delay. Invalid durations yield no delay; the
// validator rejects them before a run starts.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var maxDelay time.Duration
	if policy.MaxDelay != "" {
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
			maxDelay = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				break
			}
			if delay <= 0 { // overflow
				delay = time.Duration(1<<63 - 1)
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
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
