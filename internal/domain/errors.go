package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors forming the control plane's error taxonomy. Callers
// classify with errors.Is; loops never re-throw across loop boundaries.
var (
	// ErrInputInvalid rejects a request at the API boundary; no state change.
	ErrInputInvalid = errors.New("input invalid")
	// ErrLimitBreach marks an expected limit crossing; it produces an
	// alert, not a failure.
	ErrLimitBreach = errors.New("limit breach")
	// ErrTransient marks a retryable failure (RPC timeout, nonce
	// conflict, store deadlock).
	ErrTransient = errors.New("transient error")
	// ErrNonRetryable fails the operation; the owning plan or job is
	// terminalized as failed.
	ErrNonRetryable = errors.New("non-retryable error")
	// ErrEmergencyHalted is returned to write-side callers while the
	// emergency flag is set.
	ErrEmergencyHalted = errors.New("emergency halted")
	// ErrFatal pauses the owning loop and raises a system alert.
	ErrFatal = errors.New("fatal error")

	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// NonRetryable wraps err as permanently failed.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNonRetryable, err)
}

// Invalid builds an input-validation error.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInputInvalid, fmt.Sprintf(format, args...))
}

// Fatalf builds a loop-pausing error.
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err must pause the owning loop.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// IsRetryable reports whether err should be retried with backoff.
// Context cancellation and deadline expiry are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNonRetryable) || errors.Is(err, ErrInputInvalid) ||
		errors.Is(err, ErrEmergencyHalted) || errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
