// Package engine orchestrates one deployment pass: it reads prior state,
// plans every service chain, executes the chains in dependency order, and
// records the new state. Independent chains share no nodes and may run
// concurrently; the state store is the only shared resource and each
// chain writes only its own record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/artpar/runway/internal/core/manifest"
	"github.com/artpar/runway/internal/core/plan"
	"github.com/artpar/runway/internal/core/spec"
	"github.com/artpar/runway/internal/shell/builder"
	"github.com/artpar/runway/internal/shell/reconcile"
	"github.com/artpar/runway/internal/shell/store"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Resolver resolves a build into a pushed image digest.
type Resolver interface {
	Resolve(ctx context.Context, req builder.ResolveRequest) (spec.Digest, error)
}

// Reconciler drives a service node to its desired state.
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.Request) (spec.ServiceState, error)
}

// =============================================================================
// Results
// =============================================================================

// StepStatus reports how one node fared during a pass.
type StepStatus string

const (
	StepPlanned StepStatus = "planned" // preview only
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped" // aborted by an upstream failure
)

// StepResult is one executed (or planned) node.
type StepResult struct {
	NodeID string        `json:"node_id"`
	Kind   plan.NodeKind `json:"kind"`
	Action plan.Action   `json:"action"`
	Status StepStatus    `json:"status"`
}

// Outputs are the downstream-consumable results of one chain.
type Outputs struct {
	// Image is the fully qualified digest-pinned image coordinate.
	Image string `json:"image"`

	// URL is the live service's invocation URL.
	URL string `json:"url"`
}

// ChainResult is the outcome of one service chain.
type ChainResult struct {
	ResourceID string       `json:"resource_id"`
	Steps      []StepResult `json:"steps"`
	Outputs    Outputs      `json:"outputs"`
	Error      string       `json:"error,omitempty"`

	err error
}

// Err returns the chain's failure, nil on success.
func (c ChainResult) Err() error {
	return c.err
}

// PassResult is the outcome of one pass across all chains.
type PassResult struct {
	PassID  string        `json:"pass_id"`
	Preview bool          `json:"preview"`
	Chains  []ChainResult `json:"chains"`
}

// =============================================================================
// Engine
// =============================================================================

// Config configures pass execution.
type Config struct {
	// MaxConcurrent bounds how many chains execute at once.
	MaxConcurrent int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3}
}

// Engine executes deployment passes.
type Engine struct {
	store      store.Store
	resolver   Resolver
	reconciler Reconciler
	config     Config
	logger     *slog.Logger
}

// New creates a deployment engine.
func New(s store.Store, resolver Resolver, reconciler Reconciler, config Config, logger *slog.Logger) *Engine {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:      s,
		resolver:   resolver,
		reconciler: reconciler,
		config:     config,
		logger:     logger.With("component", "engine"),
	}
}

// Preview computes the plan for every chain without touching any
// collaborator: no build, push, create, update, or delete happens,
// regardless of the computed actions. Strictly read and compare.
func (e *Engine) Preview(ctx context.Context, deployments []manifest.Deployment) (PassResult, error) {
	result := PassResult{PassID: uuid.New().String(), Preview: true}

	for _, d := range deployments {
		chain := ChainResult{ResourceID: d.ResourceID}

		steps, _, err := e.planChain(ctx, d)
		if err != nil {
			chain.err = err
			chain.Error = err.Error()
		} else {
			for _, s := range steps {
				chain.Steps = append(chain.Steps, StepResult{
					NodeID: s.Node.ID,
					Kind:   s.Node.Kind,
					Action: s.Action,
					Status: StepPlanned,
				})
			}
		}
		result.Chains = append(result.Chains, chain)
	}

	return result, e.joinChainErrors(result)
}

// Apply executes one full pass. Independent chains run concurrently up to
// MaxConcurrent; a failed chain does not stop the others. The returned
// error joins all chain failures; per-chain detail is in the result.
func (e *Engine) Apply(ctx context.Context, deployments []manifest.Deployment) (PassResult, error) {
	result := PassResult{
		PassID: uuid.New().String(),
		Chains: make([]ChainResult, len(deployments)),
	}

	e.logger.Info("pass started", "pass_id", result.PassID, "chains", len(deployments))

	sem := make(chan struct{}, e.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i, d := range deployments {
		wg.Add(1)
		go func(i int, d manifest.Deployment) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				result.Chains[i] = cancelledChain(d.ResourceID)
				return
			}

			result.Chains[i] = e.applyChain(ctx, d)
		}(i, d)
	}
	wg.Wait()

	e.logger.Info("pass finished", "pass_id", result.PassID)
	return result, e.joinChainErrors(result)
}

// =============================================================================
// Chain Execution
// =============================================================================

// planChain reads prior state and classifies the chain. Read-only.
func (e *Engine) planChain(ctx context.Context, d manifest.Deployment) ([]plan.Step, plan.ChainInputs, error) {
	prior, err := e.store.ReadServiceState(ctx, d.ResourceID)
	if err != nil {
		return nil, plan.ChainInputs{}, err
	}
	return e.planSteps(d, prior)
}

// planSteps classifies the chain against one prior-state snapshot. The
// snapshot must be the same one the execution reads its digest from, so
// each pass reads the record exactly once.
func (e *Engine) planSteps(d manifest.Deployment, prior *spec.ServiceState) ([]plan.Step, plan.ChainInputs, error) {
	identity, err := d.Build.Identity()
	if err != nil {
		return nil, plan.ChainInputs{}, spec.NewDeployError("Plan", plan.NodeID(d.ResourceID, plan.KindImage), err.Error(), spec.ErrBuildFailed)
	}

	inputs := plan.ChainInputs{
		ResourceID:    d.ResourceID,
		BuildIdentity: identity,
		Target:        d.Target,
		Service:       d.Service,
	}
	if prior != nil {
		inputs.Prior = &prior.LastApplied
	}

	return plan.PlanChain(inputs), inputs, nil
}

// applyChain executes one Image -> Push -> Service chain. A node failure
// aborts the remainder of the chain; downstream nodes are recorded as
// skipped so the caller sees both the failing node and everything that
// succeeded before it.
func (e *Engine) applyChain(ctx context.Context, d manifest.Deployment) ChainResult {
	chain := ChainResult{ResourceID: d.ResourceID}

	prior, err := e.store.ReadServiceState(ctx, d.ResourceID)
	if err != nil {
		return chain.fail(err)
	}

	steps, inputs, err := e.planSteps(d, prior)
	if err != nil {
		return chain.fail(err)
	}

	imageStep, pushStep, serviceStep := steps[0], steps[1], steps[2]

	// Image and Push nodes resolve together: the resolver owns the
	// build-then-push ordering and the push retry policy.
	var digest spec.Digest
	if pushStep.Action == plan.ActionUnchanged {
		digest = prior.Digest
		chain.record(imageStep, StepOK)
		chain.record(pushStep, StepOK)
	} else {
		var priorDigest spec.Digest
		if prior != nil {
			priorDigest = prior.Digest
		}

		digest, err = e.resolver.Resolve(ctx, builder.ResolveRequest{
			Build:          d.Build,
			Target:         d.Target,
			PriorDigest:    priorDigest,
			BuildUnchanged: imageStep.Action == plan.ActionUnchanged,
		})
		if err != nil {
			// A failed push aborts the chain before the service node.
			chain.record(imageStep, failedIf(errors.Is(err, spec.ErrBuildFailed)))
			chain.record(pushStep, failedIf(!errors.Is(err, spec.ErrBuildFailed)))
			chain.record(serviceStep, StepSkipped)
			return chain.fail(err)
		}
		chain.record(imageStep, StepOK)
		chain.record(pushStep, StepOK)
	}

	snapshot := spec.AppliedSnapshot{
		BuildIdentity: inputs.BuildIdentity,
		Image:         d.Target,
		Service:       d.Service,
	}

	state, err := e.reconciler.Reconcile(ctx, reconcile.Request{
		Service:  d.Service,
		Action:   serviceStep.Action,
		Prior:    prior,
		Digest:   digest,
		Snapshot: snapshot,
	})
	if err != nil {
		chain.record(serviceStep, StepFailed)
		return chain.fail(err)
	}
	chain.record(serviceStep, StepOK)

	// A fully unchanged chain recorded nothing new; skip the write so an
	// idempotent re-apply leaves the record byte-for-byte untouched.
	if serviceStep.Action != plan.ActionUnchanged || pushStep.Action != plan.ActionUnchanged {
		if err := e.store.WriteServiceState(ctx, d.ResourceID, state); err != nil {
			return chain.fail(err)
		}
	}

	chain.Outputs = Outputs{
		Image: state.ResolvedImage(),
		URL:   state.URL,
	}
	return chain
}

// =============================================================================
// Helpers
// =============================================================================

func (c *ChainResult) record(step plan.Step, status StepStatus) {
	c.Steps = append(c.Steps, StepResult{
		NodeID: step.Node.ID,
		Kind:   step.Node.Kind,
		Action: step.Action,
		Status: status,
	})
}

func (c ChainResult) fail(err error) ChainResult {
	c.err = err
	c.Error = err.Error()
	return c
}

func failedIf(failed bool) StepStatus {
	if failed {
		return StepFailed
	}
	return StepOK
}

func cancelledChain(resourceID string) ChainResult {
	err := spec.NewDeployError("Apply", resourceID, "chain not started", spec.ErrCancelled)
	return ChainResult{
		ResourceID: resourceID,
		Error:      err.Error(),
		err:        err,
	}
}

// joinChainErrors joins every chain failure into one error, each tagged
// with its resource id.
func (e *Engine) joinChainErrors(result PassResult) error {
	var errs []error
	for _, chain := range result.Chains {
		if chain.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chain.ResourceID, chain.err))
		}
	}
	return errors.Join(errs...)
}
