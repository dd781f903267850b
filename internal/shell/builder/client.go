// Package builder is the imperative shell around the local container
// engine: it builds images, pushes them to the target registry, and
// resolves the content digest the registry assigns.
package builder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Engine Interface
// =============================================================================

// Engine is the narrow build-and-push surface the resolver needs. The
// production implementation talks to a Docker engine; tests use a fake.
type Engine interface {
	// Build builds the image described by b and tags it with tag.
	Build(ctx context.Context, b spec.BuildSpec, tag string) error

	// Push pushes the tagged image and returns the digest the registry
	// assigned to the manifest.
	Push(ctx context.Context, ref spec.ImageRef) (spec.Digest, error)

	// Exists reports whether ref currently resolves to d in the remote
	// registry. Used to skip redundant pushes.
	Exists(ctx context.Context, ref spec.ImageRef, d spec.Digest) (bool, error)

	Close() error
}

// =============================================================================
// Registry Auth
// =============================================================================

// RegistryAuth holds credentials for the target registry.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// encode renders the X-Registry-Auth header value the engine API expects.
func (a RegistryAuth) encode() (string, error) {
	payload, err := json.Marshal(registry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.ServerAddress,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

// =============================================================================
// Docker Engine Implementation
// =============================================================================

// DockerEngine implements Engine using the Docker SDK.
type DockerEngine struct {
	cli    *client.Client
	auth   RegistryAuth
	logger *slog.Logger
}

// NewDockerEngine creates a Docker-backed engine. If host is empty, the
// default Docker host from the environment is used.
func NewDockerEngine(host string, auth RegistryAuth, logger *slog.Logger) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewBuilderError("NewDockerEngine", "", "failed to create client", ErrConnectionFailed)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DockerEngine{
		cli:    cli,
		auth:   auth,
		logger: logger.With("component", "builder"),
	}, nil
}

// Close closes the engine connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// Build builds the image from its context directory and tags it.
func (e *DockerEngine) Build(ctx context.Context, b spec.BuildSpec, tag string) error {
	buildCtx, err := archive.TarWithOptions(b.Context, &archive.TarOptions{})
	if err != nil {
		return NewBuilderError("Build", tag, fmt.Sprintf("create build context: %v", err), spec.ErrBuildFailed)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(b.Args))
	for k, v := range b.Args {
		val := v
		args[k] = &val
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: b.Dockerfile,
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return NewBuilderError("Build", tag, err.Error(), spec.ErrBuildFailed)
	}
	defer resp.Body.Close()

	if err := e.drainBuildStream(resp.Body); err != nil {
		return NewBuilderError("Build", tag, err.Error(), spec.ErrBuildFailed)
	}

	e.logger.Info("image built", "tag", tag)
	return nil
}

// Push pushes the tagged image and reads back the manifest digest from the
// engine's progress stream.
func (e *DockerEngine) Push(ctx context.Context, ref spec.ImageRef) (spec.Digest, error) {
	encodedAuth, err := e.auth.encode()
	if err != nil {
		return "", NewBuilderError("Push", ref.String(), "encode registry auth", spec.ErrPushFailed)
	}

	reader, err := e.cli.ImagePush(ctx, ref.String(), image.PushOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return "", NewBuilderError("Push", ref.String(), err.Error(), spec.ErrPushFailed)
	}
	defer reader.Close()

	d, err := e.digestFromPushStream(reader)
	if err != nil {
		return "", NewBuilderError("Push", ref.String(), err.Error(), spec.ErrPushFailed)
	}

	e.logger.Info("image pushed", "ref", ref.String(), "digest", string(d))
	return d, nil
}

// Exists resolves ref against the remote registry and reports whether it
// currently points at d.
func (e *DockerEngine) Exists(ctx context.Context, ref spec.ImageRef, d spec.Digest) (bool, error) {
	encodedAuth, err := e.auth.encode()
	if err != nil {
		return false, NewBuilderError("Exists", ref.String(), "encode registry auth", err)
	}

	inspect, err := e.cli.DistributionInspect(ctx, ref.String(), encodedAuth)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		if strings.Contains(err.Error(), "manifest unknown") {
			return false, nil
		}
		return false, NewBuilderError("Exists", ref.String(), err.Error(), err)
	}

	return spec.Digest(inspect.Descriptor.Digest) == d, nil
}

// =============================================================================
// Progress Stream Decoding
// =============================================================================

// streamMessage is one JSON message from the engine's build/push stream.
type streamMessage struct {
	Stream      string          `json:"stream"`
	Status      string          `json:"status"`
	Error       string          `json:"error"`
	ErrorDetail errorDetail     `json:"errorDetail"`
	Aux         json.RawMessage `json:"aux"`
}

type errorDetail struct {
	Message string `json:"message"`
}

// pushResult is the aux payload the engine emits after a successful push.
type pushResult struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int    `json:"Size"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

// drainBuildStream consumes the build stream, surfacing engine errors.
func (e *DockerEngine) drainBuildStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("%s", errMsg)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			e.logger.Debug("build", "output", line)
		}
	}
}

// digestFromPushStream consumes the push stream and extracts the digest
// from the final aux message.
func (e *DockerEngine) digestFromPushStream(r io.Reader) (spec.Digest, error) {
	var result pushResult

	dec := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode push output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", fmt.Errorf("%s", errMsg)
		}
		if len(msg.Aux) > 0 {
			// The last aux message wins; earlier ones are layer progress.
			_ = json.Unmarshal(msg.Aux, &result)
		}
	}

	if result.Digest == "" {
		return "", ErrNoDigest
	}

	d := spec.Digest(result.Digest)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("registry reported malformed digest %q: %w", result.Digest, err)
	}
	return d, nil
}
