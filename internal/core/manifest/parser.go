package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Service Defaults
// =============================================================================

const (
	// DefaultCPU is the default per-instance CPU limit.
	DefaultCPU = "1"
	// DefaultMemory is the default per-instance memory limit.
	DefaultMemory = "1Gi"
	// DefaultContainerPort is the port the container is assumed to listen on.
	DefaultContainerPort = 8080
	// DefaultConcurrency is the default max concurrent requests per instance.
	DefaultConcurrency = 3
	// DefaultTag is the image tag used when the manifest does not name one.
	DefaultTag = "latest"
)

// =============================================================================
// Manifest Document
// =============================================================================

// document is the raw YAML shape. Decoded strictly: unknown fields fail.
type document struct {
	Project  string       `yaml:"project"`
	Region   string       `yaml:"region"`
	Services []serviceDoc `yaml:"services"`
}

type serviceDoc struct {
	// ID keys the service's state record and defaults to the name. Set it
	// explicitly to keep the record stable when the service is renamed, so
	// the rename replaces the live service instead of creating a second one.
	ID string `yaml:"id"`

	Name                 string            `yaml:"name"`
	Region               string            `yaml:"region"`
	Image                imageDoc          `yaml:"image"`
	Env                  map[string]string `yaml:"env"`
	CPU                  string            `yaml:"cpu"`
	Memory               string            `yaml:"memory"`
	MinInstances         int               `yaml:"minInstances"`
	MaxInstances         int               `yaml:"maxInstances"`
	ContainerPort        int               `yaml:"containerPort"`
	Concurrency          int               `yaml:"concurrency"`
	Ingress              string            `yaml:"ingress"`
	AllowUnauthenticated bool              `yaml:"allowUnauthenticated"`
}

type imageDoc struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	BuildArgs  map[string]string `yaml:"buildArgs"`
	Repository string            `yaml:"repository"`
	Name       string            `yaml:"name"`
	Tag        string            `yaml:"tag"`
}

// =============================================================================
// Parsed Output
// =============================================================================

// Deployment is one fully resolved service chain: what to build, where to
// push it, and the desired service spec. One Deployment maps to one
// Image -> Push -> Service chain in the plan.
type Deployment struct {
	// ResourceID keys this deployment's record in the state store. It is
	// the manifest's explicit id when set, the service name otherwise.
	ResourceID string

	Build   spec.BuildSpec
	Target  spec.ImageRef
	Service spec.ServiceSpec
}

// Defaults carries caller configuration the manifest may omit or override.
type Defaults struct {
	// Project is the target platform project. Required.
	Project string

	// Region is the default region for services that do not name one.
	Region string
}

// =============================================================================
// Parser
// =============================================================================

// Parse parses a runway manifest into resolved Deployments.
// This is a pure function - no I/O, no side effects.
//
// Example:
//
//	deployments, err := manifest.Parse(content, manifest.Defaults{
//	    Project: "my-project",
//	    Region:  "us-central1",
//	})
func Parse(yamlContent string, defaults Defaults) ([]Deployment, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	var doc document
	dec := yaml.NewDecoder(strings.NewReader(yamlContent))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	project := firstNonEmpty(doc.Project, defaults.Project)
	if project == "" {
		return nil, ErrMissingProject
	}
	defaultRegion := firstNonEmpty(doc.Region, defaults.Region)

	if len(doc.Services) == 0 {
		return nil, ErrNoServices
	}

	seen := make(map[string]bool, len(doc.Services))
	deployments := make([]Deployment, 0, len(doc.Services))

	for i, svc := range doc.Services {
		field := fmt.Sprintf("services[%d]", i)

		resourceID := firstNonEmpty(svc.ID, svc.Name)
		if seen[resourceID] {
			return nil, NewParseError(field, fmt.Sprintf("resource %q defined twice", resourceID), ErrDuplicateService)
		}
		seen[resourceID] = true

		region := firstNonEmpty(svc.Region, defaultRegion)
		if region == "" {
			return nil, NewParseError(field+".region", "no region in manifest or configuration", ErrMissingRegion)
		}

		d, err := resolveService(svc, resourceID, project, region)
		if err != nil {
			return nil, NewParseError(field, err.Error(), err)
		}
		deployments = append(deployments, d)
	}

	return deployments, nil
}

// resolveService applies defaults and validates one service entry.
func resolveService(svc serviceDoc, resourceID, project, region string) (Deployment, error) {
	build := spec.BuildSpec{
		Context:    svc.Image.Context,
		Dockerfile: svc.Image.Dockerfile,
		Args:       svc.Image.BuildArgs,
	}
	if err := build.Validate(); err != nil {
		return Deployment{}, err
	}

	target := targetRef(svc, project, region)
	if err := target.Validate(); err != nil {
		return Deployment{}, err
	}

	service := spec.ServiceSpec{
		Name:                 svc.Name,
		Region:               region,
		Image:                target,
		Env:                  svc.Env,
		CPU:                  firstNonEmpty(svc.CPU, DefaultCPU),
		Memory:               firstNonEmpty(svc.Memory, DefaultMemory),
		MinInstances:         svc.MinInstances,
		MaxInstances:         svc.MaxInstances,
		ContainerPort:        svc.ContainerPort,
		Concurrency:          svc.Concurrency,
		Ingress:              firstNonEmpty(svc.Ingress, spec.IngressAll),
		AllowUnauthenticated: svc.AllowUnauthenticated,
	}
	if service.ContainerPort == 0 {
		service.ContainerPort = DefaultContainerPort
	}
	if service.Concurrency == 0 {
		service.Concurrency = DefaultConcurrency
	}
	if err := service.Validate(); err != nil {
		return Deployment{}, err
	}

	return Deployment{
		ResourceID: resourceID,
		Build:      build,
		Target:     target,
		Service:    service,
	}, nil
}

// targetRef derives the registry target for a service. When the manifest
// does not name an explicit repository, the Artifact Registry convention
// is used: {region}-docker.pkg.dev/{project}/{name}-repo/{image}.
func targetRef(svc serviceDoc, project, region string) spec.ImageRef {
	imageName := firstNonEmpty(svc.Image.Name, "image")
	repository := svc.Image.Repository
	if repository == "" {
		repository = fmt.Sprintf("%s/%s-repo/%s", project, svc.Name, imageName)
	}

	return spec.ImageRef{
		Registry:   fmt.Sprintf("%s-docker.pkg.dev", region),
		Repository: repository,
		Tag:        firstNonEmpty(svc.Image.Tag, DefaultTag),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
