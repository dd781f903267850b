package plan

import "github.com/artpar/runway/internal/core/spec"

// =============================================================================
// Reconcile Path Planning
// =============================================================================

// ReconcilePath is the sequence of phases a service node transitions
// through for one action. Empty for unchanged nodes.
type ReconcilePath struct {
	// Phases is the sequence of phases to move through, ending in ready.
	Phases []spec.ServicePhase

	// Create indicates the path issues a create call (vs update in place).
	Create bool

	// DeleteFirst indicates the old service must be deleted before the
	// create call (replace sequencing).
	DeleteFirst bool
}

// DetermineReconcilePath determines the phase transitions for a service
// node given its classified action and whether prior state exists.
//
// Valid paths:
//   - update, no prior:  absent -> creating -> ready
//   - update, prior:     ready -> updating -> ready
//   - replace:           ready -> replacing -> ready (delete then create)
//   - unchanged:         no transitions, no remote calls
//
// Any path may instead end in failed on an unrecoverable error; failed is
// terminal for the pass but not for the resource - the next pass restarts
// from the last successfully recorded state.
func DetermineReconcilePath(action Action, hasPrior bool) ReconcilePath {
	switch action {
	case ActionUnchanged:
		return ReconcilePath{}

	case ActionReplace:
		if !hasPrior {
			// Nothing exists to delete; degrade to a plain create.
			return ReconcilePath{
				Phases: []spec.ServicePhase{spec.PhaseCreating, spec.PhaseReady},
				Create: true,
			}
		}
		return ReconcilePath{
			Phases:      []spec.ServicePhase{spec.PhaseReplacing, spec.PhaseReady},
			Create:      true,
			DeleteFirst: true,
		}

	default: // ActionUpdate
		if !hasPrior {
			return ReconcilePath{
				Phases: []spec.ServicePhase{spec.PhaseCreating, spec.PhaseReady},
				Create: true,
			}
		}
		return ReconcilePath{
			Phases: []spec.ServicePhase{spec.PhaseUpdating, spec.PhaseReady},
		}
	}
}
