// Package reconcile drives a remote serverless service toward its desired
// specification: create, in-place update, or delete-then-create replace,
// followed by readiness polling.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/runway/internal/core/plan"
	"github.com/artpar/runway/internal/core/spec"
	"github.com/artpar/runway/internal/shell/cloudrun"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures readiness polling.
type Config struct {
	// Timeout bounds one reconciliation, polling included.
	Timeout time.Duration

	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
}

// DefaultConfig returns the default reconcile configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Minute,
		PollInterval: 2 * time.Second,
	}
}

// =============================================================================
// Reconciler
// =============================================================================

// Request carries everything one service reconciliation needs.
type Request struct {
	Service spec.ServiceSpec
	Action  plan.Action

	// Prior is the state recorded by the last successful pass; nil when
	// the service has never been applied.
	Prior *spec.ServiceState

	// Digest is the resolved image digest for this pass.
	Digest spec.Digest

	// Snapshot is recorded as the new last-applied inputs on success.
	Snapshot spec.AppliedSnapshot
}

// Reconciler executes service-node actions against the platform.
type Reconciler struct {
	client cloudrun.Client
	config Config
	logger *slog.Logger
}

// NewReconciler creates a service reconciler.
func NewReconciler(client cloudrun.Client, config Config, logger *slog.Logger) *Reconciler {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		client: client,
		config: config,
		logger: logger.With("component", "reconciler"),
	}
}

// Reconcile drives the service to its desired spec and returns the new
// observed state. An unchanged action returns the prior state verbatim
// with no remote calls. A failed pass returns an error and the caller
// must leave the persisted state untouched.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (spec.ServiceState, error) {
	node := plan.NodeID(req.Service.Name, plan.KindService)

	if req.Action == plan.ActionUnchanged {
		if req.Prior == nil {
			return spec.ServiceState{}, spec.NewDeployError("Reconcile", node, "unchanged action without prior state", spec.ErrInvalidConfiguration)
		}
		return *req.Prior, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	path := plan.DetermineReconcilePath(req.Action, req.Prior != nil)
	image := req.Snapshot.Image.WithDigest(req.Digest)

	if path.DeleteFirst {
		// Delete targets the previously applied identity: on a region or
		// name change the old service lives at the old coordinates.
		old := req.Prior
		r.logger.Info("replacing service", "name", old.Name, "region", old.Region)

		if err := r.client.DeleteService(ctx, old.Name, old.Region); err != nil {
			if !errors.Is(err, cloudrun.ErrServiceNotFound) {
				return r.failed(req, fmt.Errorf("delete old service: %w", err))
			}
		}
	}

	var revisionID string
	var err error
	if path.Create {
		r.logger.Info("creating service", "name", req.Service.Name, "region", req.Service.Region, "image", image)
		revisionID, err = r.client.CreateService(ctx, req.Service, image)
		if err != nil && path.DeleteFirst {
			// The old service is gone and the new one did not come up.
			// Distinguished so the caller knows manual recovery may be needed.
			return r.failed(req, spec.NewDeployError("Reconcile", node, err.Error(), spec.ErrReplaceFailedPostDelete))
		}
	} else {
		r.logger.Info("updating service", "name", req.Service.Name, "region", req.Service.Region, "image", image)
		revisionID, err = r.client.UpdateService(ctx, req.Service, image)
	}
	if err != nil {
		return r.failed(req, err)
	}

	status, err := r.awaitReady(ctx, req.Service.Name, req.Service.Region)
	if err != nil {
		return r.failed(req, err)
	}
	if status.RevisionID != "" {
		revisionID = status.RevisionID
	}

	if req.Service.AllowUnauthenticated {
		if err := r.client.AllowUnauthenticated(ctx, req.Service.Name, req.Service.Region); err != nil {
			return r.failed(req, fmt.Errorf("allow unauthenticated: %w", err))
		}
	}

	return spec.ServiceState{
		Name:        req.Service.Name,
		Region:      req.Service.Region,
		RevisionID:  revisionID,
		Digest:      req.Digest,
		URL:         status.URL,
		Ready:       true,
		Phase:       spec.PhaseReady,
		LastApplied: req.Snapshot,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// awaitReady polls the service until ready, failed, cancelled, or timed out.
func (r *Reconciler) awaitReady(ctx context.Context, name, region string) (cloudrun.ServiceStatus, error) {
	node := plan.NodeID(name, plan.KindService)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := r.client.GetServiceStatus(ctx, name, region)
		if err != nil {
			return cloudrun.ServiceStatus{}, err
		}

		if status.Ready {
			return status, nil
		}
		if status.Failed {
			return cloudrun.ServiceStatus{}, spec.NewDeployError("Reconcile", node, status.Reason, spec.ErrInvalidConfiguration)
		}

		r.logger.Debug("service not ready yet", "name", name, "region", region)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return cloudrun.ServiceStatus{}, spec.NewDeployError("Reconcile", node, "service did not become ready in time", spec.ErrTimeout)
			}
			return cloudrun.ServiceStatus{}, spec.NewDeployError("Reconcile", node, "reconcile cancelled", spec.ErrCancelled)
		case <-ticker.C:
		}
	}
}

// failed wraps an error outcome. The returned state is the failed phase
// for diagnostics only; it is never persisted.
func (r *Reconciler) failed(req Request, err error) (spec.ServiceState, error) {
	r.logger.Error("reconcile failed", "name", req.Service.Name, "error", err)

	return spec.ServiceState{
		Name:   req.Service.Name,
		Region: req.Service.Region,
		Phase:  spec.PhaseFailed,
	}, err
}
