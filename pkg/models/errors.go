package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a job failed. The set is closed; callers switch on it.
type ErrorKind string

const (
	ErrorKindAuthRequired ErrorKind = "auth_required"
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindNetwork      ErrorKind = "network"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindUnsupported  ErrorKind = "unsupported"
	ErrorKindTranscode    ErrorKind = "transcode"
	ErrorKindCancelled    ErrorKind = "cancelled"
	ErrorKindInternal     ErrorKind = "internal"
)

// MediaError is returned by extractors and transcoders.
type MediaError struct {
	Kind ErrorKind
	// Transient marks a transcode failure caused by the environment (disk full,
	// resource exhaustion) rather than the input.
	Transient bool
	Err       error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// IsRetryable reports whether an automatic retry may succeed.
func (e *MediaError) IsRetryable() bool {
	switch e.Kind {
	case ErrorKindNetwork, ErrorKindTimeout:
		return true
	case ErrorKindTranscode:
		return e.Transient
	default:
		return false
	}
}

// NewMediaError wraps err with a classification.
func NewMediaError(kind ErrorKind, err error) *MediaError {
	return &MediaError{Kind: kind, Err: err}
}

// ClassifyError maps any error returned during job execution onto a MediaError.
// Context errors become timeout/cancelled; unknown errors are internal.
func ClassifyError(err error) *MediaError {
	if err == nil {
		return nil
	}
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MediaError{Kind: ErrorKindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &MediaError{Kind: ErrorKindCancelled, Err: err}
	}
	return &MediaError{Kind: ErrorKindInternal, Err: err}
}
