package optimization

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration failure taxonomy. Match them with
// errors.Is; *Error wraps them with operation context.
var (
	// ErrShapeMismatch is returned when a vector has the wrong dimensionality.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrSubmission is returned when the remote queue rejects a job.
	ErrSubmission = errors.New("job submission failed")
	// ErrIncompleteJob is returned when a replica is not COMPLETED.
	ErrIncompleteJob = errors.New("incomplete job")
	// ErrReplicaFailed is returned when a replica reports a simulator error.
	ErrReplicaFailed = errors.New("replica reported error")
	// ErrSpaceViolation is returned when a point lies outside the search space.
	ErrSpaceViolation = errors.New("point outside search space")
	// ErrEmptyTell is returned when Tell is called without observations.
	ErrEmptyTell = errors.New("no observations to tell")
	// ErrInvalidState is returned when a checkpoint cannot be restored.
	ErrInvalidState = errors.New("invalid optimizer state")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = e.Component + ": " + e.Op
	case e.Component != "":
		prefix = e.Component
	default:
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}
	if prefix != "" {
		return prefix + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError checks if an error is, or wraps, an *Error.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
