package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for transport failures and common API rejections.
var (
	ErrUnreachable  = errors.New("vidfetch server unreachable")
	ErrTimeout      = errors.New("vidfetch request timed out")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match status classes with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
