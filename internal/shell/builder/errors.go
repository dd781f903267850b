package builder

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrConnectionFailed = errors.New("docker connection failed")
	ErrImageNotFound    = errors.New("image not found in registry")
	ErrNoDigest         = errors.New("registry did not report a digest")
)

// BuilderError wraps errors with context about the failing operation.
type BuilderError struct {
	Op      string // Operation that failed (Build, Push, Exists)
	Ref     string // Image reference if applicable
	Message string
	Err     error
}

func (e *BuilderError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Ref, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *BuilderError) Unwrap() error {
	return e.Err
}

// NewBuilderError creates a new BuilderError.
func NewBuilderError(op, ref, message string, err error) *BuilderError {
	return &BuilderError{
		Op:      op,
		Ref:     ref,
		Message: message,
		Err:     err,
	}
}
