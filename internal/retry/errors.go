package retry

import (
	"errors"
	"fmt"
)

// TransientError marks an error as retryable at its origin (timeouts, 5xx,
// rate limits). The retry executor will re-attempt operations that fail
// with a TransientError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks an error as never retryable (validation failures,
// auth errors, not-found).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ConsistencyViolation is returned when a transactional operation aborts
// because committing it would violate a business invariant (e.g. the user's
// quota is exhausted exactly at commit time). It is not a transient fault
// and is never auto-retried.
type ConsistencyViolation struct {
	Reason string
}

func (e *ConsistencyViolation) Error() string {
	return "consistency violation: " + e.Reason
}

// NewConsistencyViolation creates a ConsistencyViolation with the given reason.
func NewConsistencyViolation(format string, args ...any) error {
	return &ConsistencyViolation{Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError indicates a feature is disabled or misconfigured by
// policy (e.g. an empty webhook allowlist). Distinct from a runtime fault.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// HTTPError carries an HTTP-like status from an external collaborator so the
// classifier can decide retryability from the status instead of message text.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Message)
}

// HTTPStatus extracts an HTTP-like status code from err, or 0.
func HTTPStatus(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
