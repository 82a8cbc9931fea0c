package services

import (
	"errors"
	"fmt"
)

var (
	ErrRetryNotAllowed  = errors.New("retry is only allowed for failed jobs")
	ErrCancelNotAllowed = errors.New("only pending or processing jobs can be cancelled")
	ErrForbidden        = errors.New("job belongs to another user")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// EngineInvocationError wraps a failed call to the workflow engine. The job has
// already been moved to failed when it is returned.
type EngineInvocationError struct {
	Err error
}

func (e *EngineInvocationError) Error() string {
	return fmt.Sprintf("workflow engine invocation failed: %v", e.Err)
}

func (e *EngineInvocationError) Unwrap() error { return e.Err }
