package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the sync core and the notification pipeline.
// Handlers map these to HTTP categories; internals never leak to clients.

var (
	// ErrMalformedInput indicates an unparseable notification envelope
	ErrMalformedInput = errors.New("malformed input")

	// ErrUnauthorized indicates a missing/invalid signature or a stale timestamp
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a valid notification rejected by the acceptance gate
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyProcessed indicates a duplicate notification key
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrConfigurationMissing indicates no webhook secret is available; the
	// pipeline fails closed for all non-probe notifications
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrWorkerUnavailable indicates the sync worker has no live receiver
	ErrWorkerUnavailable = errors.New("sync worker unavailable")

	// ErrRebuildInProgress indicates a full rebuild was requested while one is running
	ErrRebuildInProgress = errors.New("rebuild already in progress")

	// ErrRebuildFailed indicates a fetch or write error during a full rebuild
	ErrRebuildFailed = errors.New("rebuild failed")

	// ErrNotFound indicates a requested resource was not found
	ErrNotFound = errors.New("not found")
)

// RateLimitedError carries the retry-after hint for a throttled notification.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// RateLimited creates a rate-limited error with a retry-after hint
func RateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}

// RetryAfter extracts the retry-after hint from an error chain, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// UnauthorizedError creates an unauthorized error with a reason category
func UnauthorizedError(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrUnauthorized)
}

// MalformedInputError creates a malformed input error with context
func MalformedInputError(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrMalformedInput)
}

// NotFoundError creates a not found error with context
func NotFoundError(resource string) error {
	return fmt.Errorf("%s %w", resource, ErrNotFound)
}

// Is checks if an error matches a target error (works with wrapped errors)
func Is(err, target error) bool {
	return errors.Is(err, target)
}
