package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies API failures so callers can branch without string
// matching.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindForbidden   ErrorKind = "forbidden"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindMalformed   ErrorKind = "malformed"
)

// APIError is a typed error returned by the client for non-2xx responses.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// ResetAt is set for rate-limited errors when the platform reported a
	// reset time.
	ResetAt time.Time
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github: %s (status %d)", e.Kind, e.StatusCode)
}

// ErrKind extracts the ErrorKind from err, or "" if err is not an APIError.
func ErrKind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found API error.
func IsNotFound(err error) bool { return ErrKind(err) == KindNotFound }

// IsRateLimited reports whether err is a rate-limit API error.
func IsRateLimited(err error) bool { return ErrKind(err) == KindRateLimited }

// IsTransient reports whether err should be retried: transient API errors
// and network-level failures that never produced a status code.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransient || apiErr.Kind == KindRateLimited
	}
	// Network errors (no HTTP status) are worth one more try.
	return err != nil && !errors.Is(err, context.Canceled)
}
