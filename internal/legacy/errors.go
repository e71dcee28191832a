package legacy

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("legacy record not found")
	// ErrUnauthorized means the API token was rejected. It is never retried.
	ErrUnauthorized = errors.New("legacy platform rejected credentials")
)

// APIError is a non-2xx response from the legacy platform.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("legacy %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetryError is returned once the retry budget for a request is spent.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should abort the whole run. Only rejected
// credentials qualify; an exhausted retry budget fails the entity type
// that hit it and the run moves on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
