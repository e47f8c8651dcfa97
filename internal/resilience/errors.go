package resilience

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError is returned when an operation's circuit breaker is open
// and its cooldown has not yet elapsed. The wrapped operation is not invoked.
type CircuitOpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %q (retry in %s)", e.Operation, e.RetryAfter.Round(time.Millisecond))
}

// ExhaustedError wraps the last error after the retry budget ran out.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor fails fast instead of retrying.
// Use it for invalid-input and not-found conditions where a retry can
// never change the outcome. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether the executor should retry after err.
// Permanent errors and circuit-open errors are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var ce *CircuitOpenError
	return !errors.As(err, &ce)
}
