// Package plan contains the pure planning logic for a deployment pass:
// the per-service resource graph, the diff engine that classifies each
// node, and the reconcile path state machine. This is part of the
// Functional Core - all functions are pure with no I/O.
package plan

import (
	"fmt"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Graph Node Types
// =============================================================================

// NodeKind identifies the variant of a graph node.
type NodeKind string

const (
	KindImage   NodeKind = "image"
	KindPush    NodeKind = "push"
	KindService NodeKind = "service"
)

// GraphNode is one node in a deployment chain. The graph per service is a
// fixed acyclic chain: Image -> Push -> Service. There is no general
// scheduler because the dependency structure is always this shape;
// independent services are modeled as separate chains sharing no nodes.
type GraphNode struct {
	// ID is the node identity, e.g. "api/push".
	ID string

	Kind NodeKind

	// DependsOn lists the IDs of nodes this node depends on.
	DependsOn []string
}

// NodeID renders the canonical node identity for a resource and kind.
func NodeID(resourceID string, kind NodeKind) string {
	return fmt.Sprintf("%s/%s", resourceID, kind)
}

// =============================================================================
// Chain Inputs
// =============================================================================

// ChainInputs carries everything the planner needs to classify one
// service chain: the desired inputs for this pass and the snapshot of the
// last successful pass (nil on first apply).
type ChainInputs struct {
	ResourceID string

	// BuildIdentity is the content hash of the BuildSpec plus context tree,
	// computed by the caller before planning (hashing reads the filesystem
	// and so lives outside the core).
	BuildIdentity string

	Target  spec.ImageRef
	Service spec.ServiceSpec

	Prior *spec.AppliedSnapshot
}

// Chain returns the three nodes of a service chain in dependency order.
func Chain(resourceID string) []GraphNode {
	imageID := NodeID(resourceID, KindImage)
	pushID := NodeID(resourceID, KindPush)

	return []GraphNode{
		{ID: imageID, Kind: KindImage},
		{ID: pushID, Kind: KindPush, DependsOn: []string{imageID}},
		{ID: NodeID(resourceID, KindService), Kind: KindService, DependsOn: []string{pushID}},
	}
}

// =============================================================================
// Plan Assembly
// =============================================================================

// Step pairs a graph node with the action the diff engine chose for it.
type Step struct {
	Node   GraphNode
	Action Action
}

// PlanChain classifies every node of one service chain and returns the
// steps in topological order (Image, Push, Service). Consuming the steps
// in order constitutes one apply pass for the chain.
//
// Digest propagation invariant: when an upstream node is not unchanged,
// every downstream node is forced to at least update, even if its own
// inputs match the prior pass - a service must be re-evaluated whenever
// its image digest may have moved.
func PlanChain(in ChainInputs) []Step {
	nodes := Chain(in.ResourceID)
	steps := make([]Step, 0, len(nodes))

	upstream := ActionUnchanged
	for _, node := range nodes {
		action := Classify(node.Kind, in)
		if upstream != ActionUnchanged && action == ActionUnchanged {
			action = ActionUpdate
		}
		steps = append(steps, Step{Node: node, Action: action})

		if action != ActionUnchanged {
			upstream = action
		}
	}

	return steps
}
