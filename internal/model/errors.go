package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateInProgress is returned when an idempotency key is already STARTED.
	ErrDuplicateInProgress = errors.New("operation already in progress")
	// ErrRateLimitExceeded is returned when an actor exceeds the route limit in the current window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrRateLimitUnavailable is returned by fail-closed policies when the counter store is unreachable.
	ErrRateLimitUnavailable = errors.New("rate limiter unavailable")
	// ErrAccessDenied is returned when a capability would reference another tenant's data.
	ErrAccessDenied = errors.New("access denied")
	// ErrHandlerFailure wraps an outbox handler error.
	ErrHandlerFailure = errors.New("outbox handler failure")
	// ErrPersistence marks a failed idempotency or outbox state transition.
	ErrPersistence = errors.New("persistence failure")
	// ErrNoTransaction is returned when a transactional write is attempted outside a transaction.
	ErrNoTransaction = errors.New("no transaction in context")
	// ErrNotFound is returned when a row is absent or not visible to the tenant.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownEventType is returned when no payload schema exists for an event type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrExportNotReady is returned when a download is requested before the export is generated.
	ErrExportNotReady = errors.New("export not ready")
	// ErrExportExpired is returned when the export download window has passed.
	ErrExportExpired = errors.New("export expired")
)

// RateLimitError carries the wait time until the current window closes.
type RateLimitError struct {
	RouteKey   string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d), retry after %s", e.RouteKey, e.Limit, e.RetryAfter)
}

// Is reports whether target is ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
