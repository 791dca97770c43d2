package incident

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across stores and stages.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyKnown indicates a uniqueness constraint fired (duplicate feed
	// id or resolved URL). Callers treat it as "already ingested", not as a
	// failure.
	ErrAlreadyKnown = errors.New("already known")

	// ErrInvalidRetry indicates an operator retry was requested for a Source
	// that is not in a failed status.
	ErrInvalidRetry = errors.New("source is not in a retryable status")
)

// NetworkError marks a transient transport failure. Safe to retry with
// backoff at the call site, never across stage boundaries.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError signals provider-side throttling. It triggers backoff, not
// item failure.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// DecodeError means link resolution exhausted both the offline and online
// paths. Terminal for the item.
type DecodeError struct {
	Path string // "offline" or "rpc"
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("link resolution failed (%s path): %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExtractionError means the extraction service failed or returned unusable
// data. Terminal for the item.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err carries a RateLimitError anywhere in its
// chain.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
