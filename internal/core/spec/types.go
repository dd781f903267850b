package spec

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// =============================================================================
// Build Specification
// =============================================================================

// BuildSpec describes how to build one container image. Immutable once
// constructed; identity is the hash of its fields plus the context tree
// content (see Identity in hash.go).
type BuildSpec struct {
	// Context is the path to the build context directory.
	Context string `json:"context"`

	// Dockerfile is the path of the Dockerfile relative to the context.
	// Empty means the engine default ("Dockerfile").
	Dockerfile string `json:"dockerfile,omitempty"`

	// Args are build arguments passed to the engine.
	Args map[string]string `json:"args,omitempty"`
}

// Validate checks that the build spec is structurally valid.
func (b BuildSpec) Validate() error {
	if strings.TrimSpace(b.Context) == "" {
		return ErrMissingContext
	}
	return nil
}

// =============================================================================
// Image Coordinates
// =============================================================================

// Digest is a content-addressable hash identifying an immutable image
// artifact, e.g. "sha256:ab12…".
type Digest string

// Validate checks the digest is well formed.
func (d Digest) Validate() error {
	return digest.Digest(d).Validate()
}

// ImageRef is an image coordinate without a digest: a desired reference.
type ImageRef struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// ParseImageRef parses a fully qualified image reference such as
// "us-central1-docker.pkg.dev/proj/repo/image:latest".
func ParseImageRef(s string) (ImageRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ImageRef{}, fmt.Errorf("parse image reference %q: %w", s, err)
	}

	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}

	return ImageRef{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
		Tag:        tag,
	}, nil
}

// String renders the tagged (desired) form: registry/repository:tag.
func (r ImageRef) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// Name renders the untagged repository coordinate: registry/repository.
func (r ImageRef) Name() string {
	return fmt.Sprintf("%s/%s", r.Registry, r.Repository)
}

// WithDigest renders the resolved, immutable form: registry/repository@digest.
func (r ImageRef) WithDigest(d Digest) string {
	return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, d)
}

// Validate checks the reference parses under the distribution grammar.
func (r ImageRef) Validate() error {
	if _, err := reference.ParseNamed(r.Name()); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", r.Name(), err)
	}
	if r.Tag != "" {
		if _, err := reference.WithTag(mustParseNamed(r.Name()), r.Tag); err != nil {
			return fmt.Errorf("invalid image tag %q: %w", r.Tag, err)
		}
	}
	return nil
}

func mustParseNamed(name string) reference.Named {
	named, _ := reference.ParseNamed(name)
	return named
}

// =============================================================================
// Service Specification
// =============================================================================

// Ingress settings accepted by the platform.
const (
	IngressAll                      = "all"
	IngressInternal                 = "internal"
	IngressInternalAndLoadBalancing = "internal-and-cloud-load-balancing"
)

// ServiceSpec is the desired end state of one serverless service.
type ServiceSpec struct {
	Name   string `json:"name"`
	Region string `json:"region"`

	// Image is the tagged (desired) image coordinate. The digest is resolved
	// during the pass and pinned before the service is reconciled.
	Image ImageRef `json:"image"`

	Env map[string]string `json:"env,omitempty"`

	// CPU is the per-instance CPU limit, e.g. "1" or "2".
	CPU string `json:"cpu"`
	// Memory is the per-instance memory limit, e.g. "1Gi".
	Memory string `json:"memory"`

	MinInstances int `json:"min_instances"`
	MaxInstances int `json:"max_instances"`

	// ContainerPort is the port the container listens on.
	ContainerPort int `json:"container_port"`
	// Concurrency is the max concurrent requests per instance.
	Concurrency int `json:"concurrency"`

	Ingress              string `json:"ingress"`
	AllowUnauthenticated bool   `json:"allow_unauthenticated"`
}

// Validate checks the service spec is structurally valid.
func (s ServiceSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(s.Region) == "" {
		return ErrMissingRegion
	}
	if s.MinInstances < 0 || s.MaxInstances < 0 {
		return ErrInvalidScaling
	}
	if s.MaxInstances > 0 && s.MinInstances > s.MaxInstances {
		return ErrInvalidScaling
	}
	switch s.Ingress {
	case "", IngressAll, IngressInternal, IngressInternalAndLoadBalancing:
	default:
		return ErrInvalidIngress
	}
	return nil
}

// EnvKeys returns the environment variable names in sorted order.
// Map iteration order is not stable; everything that renders or hashes
// env vars must go through this.
func (s ServiceSpec) EnvKeys() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Service Phase
// =============================================================================

// ServicePhase tracks where a service node is in its reconcile lifecycle.
type ServicePhase string

const (
	PhaseAbsent    ServicePhase = "absent"
	PhaseCreating  ServicePhase = "creating"
	PhaseUpdating  ServicePhase = "updating"
	PhaseReplacing ServicePhase = "replacing"
	PhaseReady     ServicePhase = "ready"
	PhaseFailed    ServicePhase = "failed"
)

// =============================================================================
// Service State
// =============================================================================

// AppliedSnapshot records the inputs of the last successful pass, so the
// next pass can diff against them.
type AppliedSnapshot struct {
	// BuildIdentity is the identity hash of the BuildSpec plus context tree.
	BuildIdentity string `json:"build_identity"`

	// Image is the tagged target the image was pushed to.
	Image ImageRef `json:"image"`

	// Service is the full desired spec that was applied.
	Service ServiceSpec `json:"service"`
}

// ServiceState is the observed and persisted end state of one service.
// Owned by the state store; mutated only after a successful reconciliation.
type ServiceState struct {
	Name   string `json:"name"`
	Region string `json:"region"`

	// RevisionID is the platform revision currently serving traffic.
	RevisionID string `json:"revision_id"`

	// Digest is the image digest the live revision is pinned to.
	Digest Digest `json:"digest"`

	// URL is the service's invocation URL.
	URL string `json:"url"`

	Ready bool         `json:"ready"`
	Phase ServicePhase `json:"phase"`

	LastApplied AppliedSnapshot `json:"last_applied"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ResolvedImage returns the fully qualified digest-pinned image coordinate.
func (s ServiceState) ResolvedImage() string {
	if s.Digest == "" {
		return ""
	}
	return s.LastApplied.Image.WithDigest(s.Digest)
}
