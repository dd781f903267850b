// Package manifest contains pure functions for parsing runway deployment
// manifests. This is part of the Functional Core - all functions are pure
// with no I/O.
package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("manifest is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Structure errors
	ErrNoServices       = errors.New("manifest must define at least one service")
	ErrDuplicateService = errors.New("duplicate service name")
	ErrMissingProject   = errors.New("project is required")
	ErrMissingRegion    = errors.New("region is required")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g. "services[0].image.context"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
