package executor

import (
	"errors"
	"fmt"
)

// ValidationError marks a malformed or unverifiable request. It is
// rejected immediately and never retried.
type ValidationError struct {
	msg string
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return e.msg
}

// ExecutionError marks a settlement submission or confirmation failure.
// The order that triggered it stays queued and is retried on subsequent
// ticks, bounded only by its own expiry.
type ExecutionError struct {
	Reason string
	Err    error
}

func NewExecutionError(reason string, err error) *ExecutionError {
	return &ExecutionError{Reason: reason, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsExecutionError reports whether err is an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
