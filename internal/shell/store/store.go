// Package store persists per-resource service state between passes. Each
// pass reads fresh at the start and writes back atomically at the end of
// a successful chain; a failed pass leaves the record untouched.
package store

import (
	"context"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the narrow adapter to the persisted-state mechanism.
type Store interface {
	// ReadServiceState returns the recorded state for resourceID, or nil
	// when no state has ever been recorded.
	ReadServiceState(ctx context.Context, resourceID string) (*spec.ServiceState, error)

	// WriteServiceState atomically replaces the record for resourceID:
	// either the full new state is persisted or the old record remains.
	// Safe under concurrent callers writing distinct keys.
	WriteServiceState(ctx context.Context, resourceID string, state spec.ServiceState) error

	// DeleteServiceState removes the record for resourceID. Removing an
	// absent record is not an error.
	DeleteServiceState(ctx context.Context, resourceID string) error

	// ListResourceIDs returns every resource id with recorded state.
	ListResourceIDs(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}
