package plan

import "maps"

// =============================================================================
// Actions
// =============================================================================

// Action is the diff engine's classification of one node.
type Action string

const (
	// ActionUnchanged means desired equals last-applied; no remote call.
	ActionUnchanged Action = "unchanged"

	// ActionUpdate means the node is created (no prior state) or patched
	// in place (new revision).
	ActionUpdate Action = "update"

	// ActionReplace means an identity-defining field changed; the resource
	// must be recreated, not patched.
	ActionReplace Action = "replace"
)

// =============================================================================
// Diff Engine
// =============================================================================

// Classify decides the action for one node kind given the chain inputs.
// Deterministic for identical inputs - preview output depends on it.
//
// First apply (nil prior) is always update, never replace: there is
// nothing to destroy yet, only the create path to take.
func Classify(kind NodeKind, in ChainInputs) Action {
	if in.Prior == nil {
		return ActionUpdate
	}

	switch kind {
	case KindImage:
		return classifyImage(in)
	case KindPush:
		return classifyPush(in)
	case KindService:
		return classifyService(in)
	default:
		return ActionUpdate
	}
}

// classifyImage diffs the build identity. The context content hash is the
// image's identity field: a change means a different artifact entirely.
func classifyImage(in ChainInputs) Action {
	if in.BuildIdentity != in.Prior.BuildIdentity {
		return ActionReplace
	}
	return ActionUnchanged
}

// classifyPush diffs the registry target. A new registry or repository is
// a new remote resource (replace); a tag move on the same repository is a
// re-point (update).
func classifyPush(in ChainInputs) Action {
	if in.Target.Registry != in.Prior.Image.Registry ||
		in.Target.Repository != in.Prior.Image.Repository {
		return ActionReplace
	}
	if in.Target.Tag != in.Prior.Image.Tag {
		return ActionUpdate
	}
	return ActionUnchanged
}

// classifyService diffs the service spec. Name and region are the
// identity fields on the platform - changing either requires a new
// resource. Every other field difference is an in-place revision.
func classifyService(in ChainInputs) Action {
	desired, applied := in.Service, in.Prior.Service

	if desired.SpecIdentity() != applied.SpecIdentity() {
		return ActionReplace
	}

	same := desired.Image == applied.Image &&
		maps.Equal(desired.Env, applied.Env) &&
		desired.CPU == applied.CPU &&
		desired.Memory == applied.Memory &&
		desired.MinInstances == applied.MinInstances &&
		desired.MaxInstances == applied.MaxInstances &&
		desired.ContainerPort == applied.ContainerPort &&
		desired.Concurrency == applied.Concurrency &&
		desired.Ingress == applied.Ingress &&
		desired.AllowUnauthenticated == applied.AllowUnauthenticated

	if same {
		return ActionUnchanged
	}
	return ActionUpdate
}
