// Package apperr defines the error classes shared across the service.
// Concrete errors wrap one of these sentinels so callers can branch with
// errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing wallet, position or config.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable marks a failed or timed out upstream HTTP call.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrExecution marks a rejected or failed execution provider call.
	ErrExecution = errors.New("execution failed")
	// ErrNotification marks a failed chat delivery.
	ErrNotification = errors.New("notification failed")
)

// Validation returns an ErrValidation with a user facing message
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing entity
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
