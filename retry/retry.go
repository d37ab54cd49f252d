// Package retry provides generic retry logic with exponential backoff for
// transient transport failures (remote signer calls, registry RPC). It is
// never used around the 402 payment state machine itself: a payment attempt
// is tied to one nonce and one validity window.
package retry

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Policy holds retry configuration.
type Policy struct {
	MaxAttempts  int           // Total attempts, including the initial one
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Backoff ceiling
	Multiplier   float64       // Exponential backoff multiplier
}

// DefaultPolicy is suitable for short HTTP calls.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable reports whether an error should trigger another attempt.
type IsRetryable func(error) bool

// Do executes fn with retry, applying exponential backoff between attempts
// and honoring context cancellation. Non-retryable errors are returned
// immediately.
func Do[T any](ctx context.Context, policy Policy, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := policy.InitialDelay

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isRetryable == nil || !isRetryable(err) {
			return zero, err
		}

		if attempt < policy.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * policy.Multiplier)
				if delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// TransientStatus reports whether an HTTP status code indicates a transient
// server-side condition worth retrying.
func TransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
