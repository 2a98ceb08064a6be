package source

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrThrottled indicates the provider rejected a request with a
	// rate-limiting response. Retried with backoff by the Fetcher.
	ErrThrottled = errors.New("provider throttled request")

	// ErrRateLimitExceeded indicates the Fetcher exhausted its retry
	// budget. Surfaced to the caller as a per-item failure.
	ErrRateLimitExceeded = errors.New("retry budget exhausted")

	// ErrAuth indicates the provider rejected our credentials. Never
	// retried.
	ErrAuth = errors.New("provider authentication failed")

	// ErrNotFound indicates the requested item does not exist (or is no
	// longer shared with the integration). Never retried.
	ErrNotFound = errors.New("item not found")
)

// TransientError wraps a network or server-side failure that is expected
// to resolve on its own: timeouts, connection resets, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether the Fetcher should retry err with backoff.
// Auth and not-found failures are permanent; everything throttled,
// transient, or deadline-bound gets another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.Is(err, ErrThrottled) ||
		errors.As(err, &te) ||
		errors.Is(err, context.DeadlineExceeded)
}
