// Package spec contains the pure domain types for a runway deployment:
// build specifications, image coordinates, service specifications, and the
// persisted service state. This is part of the Functional Core - no I/O
// happens here beyond hashing a build context from disk.
package spec

import (
	"errors"
	"fmt"
)

// =============================================================================
// Deployment Outcome Taxonomy
// =============================================================================

var (
	// ErrBuildFailed indicates the container image build failed. Builds are
	// deterministic for fixed inputs, so this is never retried.
	ErrBuildFailed = errors.New("image build failed")

	// ErrPushFailed indicates the registry rejected the push. Frequently
	// transient (auth token expiry, quota), so the resolver retries it with
	// bounded backoff before giving up.
	ErrPushFailed = errors.New("registry push failed")

	// ErrInvalidConfiguration indicates the platform rejected the service
	// specification. The user must fix the service definition; not retried.
	ErrInvalidConfiguration = errors.New("invalid service configuration")

	// ErrTimeout indicates the service did not become ready within the
	// reconcile timeout. Fatal for this pass, safe to retry on the next.
	ErrTimeout = errors.New("reconcile timed out")

	// ErrReplaceFailedPostDelete indicates a replace deleted the old service
	// but failed to create the new one. The resource may be destroyed;
	// manual recovery may be needed.
	ErrReplaceFailedPostDelete = errors.New("replace failed after delete")

	// ErrCancelled indicates the pass was cooperatively cancelled. Remote
	// mutations already in flight are not rolled back.
	ErrCancelled = errors.New("pass cancelled")

	// Validation errors
	ErrMissingName    = errors.New("service name is required")
	ErrMissingRegion  = errors.New("service region is required")
	ErrMissingContext = errors.New("build context is required")
	ErrInvalidScaling = errors.New("invalid instance bounds")
	ErrInvalidIngress = errors.New("invalid ingress setting")
)

// DeployError wraps a taxonomy error with the failing node and operation.
type DeployError struct {
	Op      string // Operation that failed (e.g. "Resolve", "Reconcile")
	Node    string // Node identity (e.g. "api/service")
	Message string
	Err     error
}

func (e *DeployError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// NewDeployError creates a new DeployError.
func NewDeployError(op, node, message string, err error) *DeployError {
	return &DeployError{
		Op:      op,
		Node:    node,
		Message: message,
		Err:     err,
	}
}
