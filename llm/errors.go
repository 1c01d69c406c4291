package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed model call. Retryable errors may succeed against the
// same or a fallback endpoint; the rest are configuration problems.
type Error struct {
	// Status is the HTTP status returned by the endpoint, zero when no
	// response was received.
	Status    int
	retryable bool
	err       error
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the call may succeed if repeated.
func (e *Error) Retryable() bool { return e.retryable }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &Error{retryable: true, err: err}
}

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &Error{err: err}
}

// statusError classifies a non-200 response. Throttling, timeouts and
// server errors are retryable.
func statusError(status int, body []byte) error {
	const maxBody = 200
	msg := string(body)
	if len(msg) > maxBody {
		msg = msg[:maxBody] + "..."
	}
	return &Error{
		Status: status,
		retryable: status == http.StatusTooManyRequests ||
			status == http.StatusRequestTimeout ||
			status >= http.StatusInternalServerError,
		err: fmt.Errorf("model API error (status %d): %s", status, msg),
	}
}

// ValidationError reports model output that could not be decoded into, or
// did not satisfy, the declared output schema.
type ValidationError struct {
	// Field is the offending field path, empty for whole-document failures.
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid model output"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError builds a field-level ValidationError.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err wraps a retryable model call failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.retryable
}

// IsFatal reports whether err wraps a non-retryable model call failure.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && !e.retryable
}

// IsValidation returns true if the error is a schema validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
