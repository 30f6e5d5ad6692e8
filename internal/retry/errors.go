package retry

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks an error as non-retryable. The job is dead-lettered on the
// attempt that returned it.
//
// Example:
//
//	return retry.Permanent(fmt.Errorf("invalid address %q: %w", addr, err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Transient marks an error as retryable. Unclassified errors are treated the
// same way; the wrapper only documents intent at the call site.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was explicitly marked Transient.
func IsTransient(err error) bool {
	var e transientError
	return errors.As(err, &e)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// RetryAfter attaches a provider-suggested minimum delay (e.g. HTTP 429 or a
// Telegram flood wait). The controller uses max(backoff, hint).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// HintFrom extracts a RetryAfter hint from err.
func HintFrom(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
