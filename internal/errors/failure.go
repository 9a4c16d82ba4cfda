package errors

import (
	"errors"
	"fmt"
)

// StepFailure is the structured failure a step handler reports. It is the
// error-typed half of the handler result contract: a handler either returns
// a result value, or an error. When the error is (or wraps) a StepFailure,
// the executor honors its retry and backoff fields; any other error is
// treated as retryable with no explicit backoff.
type StepFailure struct {
	// Message describes the failure for logs and transition metadata.
	Message string

	// Retryable is false when the failure is permanent regardless of the
	// step's remaining attempt budget.
	Retryable bool

	// BackoffSeconds, when set, asks the scheduler to hold the step for an
	// explicit window instead of the computed exponential backoff.
	BackoffSeconds *int64

	// Err is the underlying cause, if any.
	Err error
}

// NewStepFailure returns a retryable failure with the given message.
func NewStepFailure(message string) *StepFailure {
	return &StepFailure{Message: message, Retryable: true}
}

// NewPermanentFailure returns a failure that must not be retried.
func NewPermanentFailure(message string) *StepFailure {
	return &StepFailure{Message: message, Retryable: false}
}

// WithBackoff sets an explicit retry delay in seconds and returns the failure.
func (f *StepFailure) WithBackoff(seconds int64) *StepFailure {
	f.BackoffSeconds = &seconds
	return f
}

// WithCause attaches an underlying error and returns the failure.
func (f *StepFailure) WithCause(err error) *StepFailure {
	f.Err = err
	return f
}

// Error implements the error interface.
func (f *StepFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

// Unwrap returns the underlying cause, if any.
func (f *StepFailure) Unwrap() error {
	return f.Err
}

// AsStepFailure extracts a StepFailure from an error chain. The second
// return is false when the chain carries no StepFailure; callers then apply
// the default interpretation (retryable, no explicit backoff).
func AsStepFailure(err error) (*StepFailure, bool) {
	var f *StepFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
