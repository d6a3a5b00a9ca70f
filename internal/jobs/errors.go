package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotDoing is returned when finishing a job that is not currently claimed
	ErrJobNotDoing = errors.New("job is not in doing status")

	// ErrInvalidOutcome is returned when a finish outcome is not succeeded, failed or todo
	ErrInvalidOutcome = errors.New("invalid finish outcome")

	// ErrInvalidJob is returned when a job is missing required fields
	ErrInvalidJob = errors.New("invalid job")

	// ErrTaskNotFound is returned when no handler is registered for a task name
	ErrTaskNotFound = errors.New("task not found")
)

// ValidationError describes the offending field of an invalid job
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidJob
}

// RetryableError wraps task errors that should send the job back to todo
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
