package builder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Digest Resolver
// =============================================================================

// ResolverConfig configures push retry behavior.
type ResolverConfig struct {
	// PushRetries is the number of push attempts before giving up.
	PushRetries int

	// PushRetryDelay is the backoff base delay; doubled per attempt.
	PushRetryDelay time.Duration
}

// DefaultResolverConfig returns the default retry configuration.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		PushRetries:    3,
		PushRetryDelay: time.Second,
	}
}

// ResolveRequest carries the inputs for one digest resolution.
type ResolveRequest struct {
	Build  spec.BuildSpec
	Target spec.ImageRef

	// PriorDigest is the digest recorded by the last successful pass,
	// empty on first apply.
	PriorDigest spec.Digest

	// BuildUnchanged indicates the planner classified the image node
	// unchanged: the artifact content is known to match the prior pass, so
	// a registry-side existence check can skip the build and push.
	BuildUnchanged bool
}

// Resolver turns a build spec plus registry target into a content digest.
// Stateless; a pure function of its inputs and the collaborators' state.
type Resolver struct {
	engine Engine
	config ResolverConfig
	logger *slog.Logger
}

// NewResolver creates a digest resolver over the given engine.
func NewResolver(engine Engine, config ResolverConfig, logger *slog.Logger) *Resolver {
	if config.PushRetries <= 0 {
		config.PushRetries = 3
	}
	if config.PushRetryDelay <= 0 {
		config.PushRetryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		engine: engine,
		config: config,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve builds the image, pushes it to the target, and returns the
// digest the registry assigned.
//
// Build failures are not retried: builds are deterministic for fixed
// inputs, so a second attempt would fail the same way. Push failures are
// frequently transient and are retried with bounded exponential backoff.
//
// When the build is known to be unchanged and the registry already holds
// the prior digest under the target reference, both the build and the
// push are skipped - pushing identical content is a no-op at the content
// level, so skipping it is observationally equivalent and much cheaper.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (spec.Digest, error) {
	if req.BuildUnchanged && req.PriorDigest != "" {
		ok, err := r.engine.Exists(ctx, req.Target, req.PriorDigest)
		if err != nil {
			r.logger.Warn("registry existence check failed, falling back to push",
				"ref", req.Target.String(), "error", err)
		} else if ok {
			r.logger.Info("push skipped, registry already current",
				"ref", req.Target.String(), "digest", string(req.PriorDigest))
			return req.PriorDigest, nil
		}
	}

	if err := r.engine.Build(ctx, req.Build, req.Target.String()); err != nil {
		if ctx.Err() != nil {
			return "", spec.NewDeployError("Resolve", req.Target.String(), "build cancelled", spec.ErrCancelled)
		}
		return "", err
	}

	return r.pushWithRetry(ctx, req.Target)
}

// pushWithRetry pushes with bounded exponential backoff.
func (r *Resolver) pushWithRetry(ctx context.Context, target spec.ImageRef) (spec.Digest, error) {
	var lastErr error
	delay := r.config.PushRetryDelay

	for attempt := 1; attempt <= r.config.PushRetries; attempt++ {
		d, err := r.engine.Push(ctx, target)
		if err == nil {
			return d, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return "", spec.NewDeployError("Push", target.String(), "push cancelled", spec.ErrCancelled)
		}

		if attempt < r.config.PushRetries {
			r.logger.Warn("push failed, retrying",
				"ref", target.String(), "attempt", attempt, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				return "", spec.NewDeployError("Push", target.String(), "push cancelled", spec.ErrCancelled)
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return "", lastErr
}
