package platform

import (
	"context"
	"errors"
	"time"
)

// RetryOptions configures retry behavior.
type RetryOptions struct {
	MaxRetries int           // Maximum number of retries (default: 3)
	BaseDelay  time.Duration // Initial delay between retries (default: 2s)
	MaxDelay   time.Duration // Maximum delay between retries (default: 30s)
}

// DefaultRetryOptions returns sensible defaults for retry behavior.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithRetry executes an operation with exponential backoff retry.
// Only transient and rate-limited errors are retried; a rate-limited error
// with a known reset time waits for the reset instead of the backoff step.
// Context cancellation aborts the wait.
func WithRetry[T any](ctx context.Context, op func() (T, error), opts RetryOptions) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, lastErr = op()
		if lastErr == nil {
			return result, nil
		}

		if !IsTransient(lastErr) {
			return result, lastErr
		}

		if attempt >= opts.MaxRetries {
			return result, lastErr
		}

		// Exponential backoff: base, 2*base, 4*base...
		delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && apiErr.Kind == KindRateLimited && !apiErr.ResetAt.IsZero() {
			if until := time.Until(apiErr.ResetAt); until > delay {
				delay = until
			}
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

// WithRetryVoid is like WithRetry but for operations that don't return a value.
func WithRetryVoid(ctx context.Context, op func() error, opts RetryOptions) error {
	_, err := WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts)
	return err
}
