package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrNotCancellable      = errors.New("job is not cancellable")
	ErrStopped             = errors.New("scheduler is stopped")
	ErrAlreadyStarted      = errors.New("scheduler already started")
	ErrArtifactUnavailable = errors.New("artifact not available")
)

// ValidationError reports a rejected submission. No job is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
