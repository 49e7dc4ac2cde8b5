// Package apierror classifies failures coming back from the remote backend.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized marks authorization-class failures: missing, expired or rejected sessions.
// They never count against a record's retry budget.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response from the backend
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401/403 responses
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Retryable reports whether repeating the same request may succeed
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsAuth reports whether err is an authorization-class failure
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
