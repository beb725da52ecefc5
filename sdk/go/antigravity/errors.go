// Package antigravity provides a Go client for the antigravityd management API.
package antigravity

import (
	"errors"
	"fmt"
)

// Error represents an error from the management API with the HTTP status
// code and the daemon's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// Hint carries the recovery hint the daemon attached to the error
	// code, e.g. "RELOGIN_REQUIRED". Empty when the daemon sent none.
	Hint string
}

func (e *Error) Error() string {
	return fmt.Sprintf("antigravity: %s (%d): %s", e.Code, e.StatusCode, e.Message)
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

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsNoAccount returns true if the daemon has no usable account to serve
// requests (503 with code ERR_NO_ACCOUNT).
func IsNoAccount(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "ERR_NO_ACCOUNT"
	}
	return false
}
