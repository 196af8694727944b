package upstream

import (
	"errors"
	"fmt"
)

// Common errors returned by upstream calls.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, upstream.ErrRateLimited) {
//	    // Defer the remainder of the cycle
//	}
var (
	// ErrAuthExpired is returned when the bearer credential was rejected
	// and a refreshed token did not help. The client retries once with a
	// fresh token before surfacing this.
	ErrAuthExpired = errors.New("upstream credential expired")

	// ErrRateLimited is returned when the service reports the call
	// budget exhausted (HTTP 429). The orchestrator defers the rest of
	// the cycle rather than failing the run.
	ErrRateLimited = errors.New("upstream rate limit exceeded")
)

// TransientError wraps network-level and server-side failures that are
// likely to succeed on a later cycle.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upstream error during %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/errors.As on the cause.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error is likely to succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
