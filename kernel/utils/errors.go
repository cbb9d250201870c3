package utils

import (
	"errors"
	"fmt"
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return errors.New(msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

// RecoveredError converts a recovered panic value into an error
func RecoveredError(operation string, r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%s: panic: %w", operation, err)
	}
	return fmt.Errorf("%s: panic: %v", operation, r)
}
