package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConnectionFailed is returned when the database connection fails.
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrMigrationFailed is returned when database migration fails.
	ErrMigrationFailed = errors.New("database migration failed")

	// ErrInvalidData is returned when JSON serialization of a state record fails.
	ErrInvalidData = errors.New("invalid data format")
)

// StoreError wraps errors with additional context.
type StoreError struct {
	Op         string // Operation that failed (e.g. "WriteServiceState")
	ResourceID string
	Message    string
	Err        error
}

func (e *StoreError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ResourceID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, resourceID, message string, err error) *StoreError {
	return &StoreError{
		Op:         op,
		ResourceID: resourceID,
		Message:    message,
		Err:        err,
	}
}
