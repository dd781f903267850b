package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/runway/internal/core/spec"
)

var defaults = Defaults{Project: "my-project", Region: "us-central1"}

const minimalManifest = `
services:
  - name: api
    image:
      context: ./app
`

func TestParse_Minimal(t *testing.T) {
	deployments, err := Parse(minimalManifest, defaults)
	require.NoError(t, err)
	require.Len(t, deployments, 1)

	d := deployments[0]
	assert.Equal(t, "api", d.ResourceID)
	assert.Equal(t, "./app", d.Build.Context)
	assert.Equal(t, "us-central1-docker.pkg.dev", d.Target.Registry)
	assert.Equal(t, "my-project/api-repo/image", d.Target.Repository)
	assert.Equal(t, "latest", d.Target.Tag)
	assert.Equal(t, "api", d.Service.Name)
	assert.Equal(t, "us-central1", d.Service.Region)
	assert.Equal(t, d.Target, d.Service.Image)
}

func TestParse_Defaults(t *testing.T) {
	deployments, err := Parse(minimalManifest, defaults)
	require.NoError(t, err)

	svc := deployments[0].Service
	assert.Equal(t, DefaultCPU, svc.CPU)
	assert.Equal(t, DefaultMemory, svc.Memory)
	assert.Equal(t, DefaultContainerPort, svc.ContainerPort)
	assert.Equal(t, DefaultConcurrency, svc.Concurrency)
	assert.Equal(t, spec.IngressAll, svc.Ingress)
	assert.False(t, svc.AllowUnauthenticated)
	assert.Zero(t, svc.MinInstances)
	assert.Zero(t, svc.MaxInstances)
}

func TestParse_FullService(t *testing.T) {
	content := `
project: other-project
region: europe-west1
services:
  - name: web
    image:
      context: ./web
      dockerfile: docker/Dockerfile
      buildArgs:
        VERSION: "2"
      name: frontend
      tag: v2
    env:
      FOO: bar
    cpu: "2"
    memory: 2Gi
    minInstances: 1
    maxInstances: 5
    containerPort: 3000
    concurrency: 10
    ingress: internal
    allowUnauthenticated: true
`
	deployments, err := Parse(content, defaults)
	require.NoError(t, err)
	require.Len(t, deployments, 1)

	d := deployments[0]
	assert.Equal(t, "docker/Dockerfile", d.Build.Dockerfile)
	assert.Equal(t, map[string]string{"VERSION": "2"}, d.Build.Args)
	assert.Equal(t, "europe-west1-docker.pkg.dev", d.Target.Registry)
	assert.Equal(t, "other-project/web-repo/frontend", d.Target.Repository)
	assert.Equal(t, "v2", d.Target.Tag)

	svc := d.Service
	assert.Equal(t, "europe-west1", svc.Region)
	assert.Equal(t, map[string]string{"FOO": "bar"}, svc.Env)
	assert.Equal(t, "2", svc.CPU)
	assert.Equal(t, "2Gi", svc.Memory)
	assert.Equal(t, 1, svc.MinInstances)
	assert.Equal(t, 5, svc.MaxInstances)
	assert.Equal(t, 3000, svc.ContainerPort)
	assert.Equal(t, 10, svc.Concurrency)
	assert.Equal(t, spec.IngressInternal, svc.Ingress)
	assert.True(t, svc.AllowUnauthenticated)
}

func TestParse_ExplicitID(t *testing.T) {
	content := `
services:
  - id: backend
    name: api-v2
    image:
      context: ./app
`
	deployments, err := Parse(content, defaults)
	require.NoError(t, err)
	require.Len(t, deployments, 1)

	// The id keys the state record; the name is free to change.
	assert.Equal(t, "backend", deployments[0].ResourceID)
	assert.Equal(t, "api-v2", deployments[0].Service.Name)
}

func TestParse_DuplicateID(t *testing.T) {
	content := `
services:
  - id: backend
    name: api
    image:
      context: ./app
  - id: backend
    name: worker
    image:
      context: ./worker
`
	_, err := Parse(content, defaults)
	assert.ErrorIs(t, err, ErrDuplicateService)
}

func TestParse_ExplicitRepository(t *testing.T) {
	content := `
services:
  - name: api
    image:
      context: ./app
      repository: my-project/shared/api
`
	deployments, err := Parse(content, defaults)
	require.NoError(t, err)

	assert.Equal(t, "my-project/shared/api", deployments[0].Target.Repository)
}

func TestParse_PerServiceRegionOverride(t *testing.T) {
	content := `
services:
  - name: api
    image:
      context: ./app
  - name: worker
    region: europe-west1
    image:
      context: ./worker
`
	deployments, err := Parse(content, defaults)
	require.NoError(t, err)
	require.Len(t, deployments, 2)

	assert.Equal(t, "us-central1", deployments[0].Service.Region)
	assert.Equal(t, "europe-west1", deployments[1].Service.Region)
	assert.Equal(t, "europe-west1-docker.pkg.dev", deployments[1].Target.Registry)
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse("  \n", defaults)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse("services: [unclosed", defaults)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	content := `
services:
  - name: api
    image:
      context: ./app
    replicas: 3
`
	_, err := Parse(content, defaults)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParse_NoServices(t *testing.T) {
	_, err := Parse("project: p\nservices: []\n", defaults)
	assert.ErrorIs(t, err, ErrNoServices)
}

func TestParse_DuplicateService(t *testing.T) {
	content := `
services:
  - name: api
    image:
      context: ./app
  - name: api
    image:
      context: ./app2
`
	_, err := Parse(content, defaults)
	assert.ErrorIs(t, err, ErrDuplicateService)
}

func TestParse_MissingProject(t *testing.T) {
	_, err := Parse(minimalManifest, Defaults{Region: "us-central1"})
	assert.ErrorIs(t, err, ErrMissingProject)
}

func TestParse_MissingRegion(t *testing.T) {
	_, err := Parse(minimalManifest, Defaults{Project: "my-project"})
	assert.ErrorIs(t, err, ErrMissingRegion)
}

func TestParse_MissingContext(t *testing.T) {
	content := `
services:
  - name: api
    image:
      tag: v1
`
	_, err := Parse(content, defaults)
	assert.ErrorIs(t, err, spec.ErrMissingContext)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "services[0]", parseErr.Field)
}
