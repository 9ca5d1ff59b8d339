// Package musubi provides a Go client for the musubi coordination hub API.
package musubi

import (
	"errors"
	"fmt"
)

// Error represents an error from the musubi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("musubi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsNoCapableComponent returns true if routing failed because no registered
// component provides the requested capability (503).
func IsNoCapableComponent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503 && e.Code == "NO_CAPABLE_COMPONENT"
	}
	return false
}

// IsUpstream returns true if routing reached a component but every candidate
// failed (502).
func IsUpstream(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 502
	}
	return false
}
