package cloudrun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/runway/internal/core/spec"
)

func testServiceSpec() spec.ServiceSpec {
	return spec.ServiceSpec{
		Name:   "api",
		Region: "us-central1",
		Image: spec.ImageRef{
			Registry:   "us-central1-docker.pkg.dev",
			Repository: "proj/api-repo/image",
			Tag:        "latest",
		},
		Env:           map[string]string{"FOO": "bar", "BAR": "baz"},
		CPU:           "1",
		Memory:        "1Gi",
		MinInstances:  1,
		MaxInstances:  5,
		ContainerPort: 8080,
		Concurrency:   3,
		Ingress:       spec.IngressAll,
	}
}

const pinnedImage = "us-central1-docker.pkg.dev/proj/api-repo/image@sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func newTestClient(handler http.Handler) (*RESTClient, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewRESTClient(Config{
		Project:  "proj",
		Token:    "test-token",
		Endpoint: server.URL,
	})
	return client, server
}

// =============================================================================
// Payload Tests
// =============================================================================

func TestBuildServiceObject(t *testing.T) {
	obj := buildServiceObject("proj", testServiceSpec(), pinnedImage)

	assert.Equal(t, "serving.knative.dev/v1", obj.APIVersion)
	assert.Equal(t, "Service", obj.Kind)
	assert.Equal(t, "api", obj.Metadata.Name)
	assert.Equal(t, "proj", obj.Metadata.Namespace)
	assert.Equal(t, spec.IngressAll, obj.Metadata.Annotations[annotationIngress])

	tmpl := obj.Spec.Template
	assert.Equal(t, "1", tmpl.Metadata.Annotations[annotationMinScale])
	assert.Equal(t, "5", tmpl.Metadata.Annotations[annotationMaxScale])
	assert.Equal(t, 3, tmpl.Spec.ContainerConcurrency)

	require.Len(t, tmpl.Spec.Containers, 1)
	c := tmpl.Spec.Containers[0]
	assert.Equal(t, pinnedImage, c.Image)
	assert.Equal(t, []port{{ContainerPort: 8080}}, c.Ports)
	assert.Equal(t, "1", c.Resources.Limits["cpu"])
	assert.Equal(t, "1Gi", c.Resources.Limits["memory"])

	// Env rendered in sorted key order, with PORT defaulted from the
	// container port.
	require.Len(t, c.Env, 3)
	assert.Equal(t, envVar{Name: "BAR", Value: "baz"}, c.Env[0])
	assert.Equal(t, envVar{Name: "FOO", Value: "bar"}, c.Env[1])
	assert.Equal(t, envVar{Name: "PORT", Value: "8080"}, c.Env[2])
}

func TestBuildServiceObject_UserPortEnvWins(t *testing.T) {
	svc := testServiceSpec()
	svc.Env = map[string]string{"PORT": "9999"}

	obj := buildServiceObject("proj", svc, pinnedImage)

	env := obj.Spec.Template.Spec.Containers[0].Env
	require.Len(t, env, 1)
	assert.Equal(t, envVar{Name: "PORT", Value: "9999"}, env[0])
}

func TestBuildServiceObject_NoScaleAnnotationsWhenUnbounded(t *testing.T) {
	svc := testServiceSpec()
	svc.MinInstances = 0
	svc.MaxInstances = 0

	obj := buildServiceObject("proj", svc, pinnedImage)

	assert.Empty(t, obj.Spec.Template.Metadata.Annotations)
}

func TestStatusFromObject(t *testing.T) {
	tests := []struct {
		name       string
		conditions []condition
		wantReady  bool
		wantFailed bool
	}{
		{"ready", []condition{{Type: "Ready", Status: "True"}}, true, false},
		{"rolling out", []condition{{Type: "Ready", Status: "Unknown"}}, false, false},
		{"failed", []condition{{Type: "Ready", Status: "False", Message: "image pull failed"}}, false, true},
		{"other conditions ignored", []condition{{Type: "ConfigurationsReady", Status: "False"}}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := statusFromObject(serviceObject{
				Status: &serviceStatus{
					URL:                       "https://api-xyz.run.app",
					LatestCreatedRevisionName: "api-00002",
					Conditions:                tt.conditions,
				},
			})

			assert.Equal(t, tt.wantReady, st.Ready)
			assert.Equal(t, tt.wantFailed, st.Failed)
			assert.Equal(t, "https://api-xyz.run.app", st.URL)
			assert.Equal(t, "api-00002", st.RevisionID)
		})
	}
}

// =============================================================================
// REST Client Tests
// =============================================================================

func TestCreateService(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody serviceObject

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(serviceObject{
			Status: &serviceStatus{LatestCreatedRevisionName: "api-00001"},
		})
	}))
	defer server.Close()

	rev, err := client.CreateService(context.Background(), testServiceSpec(), pinnedImage)
	require.NoError(t, err)

	assert.Equal(t, "api-00001", rev)
	assert.Equal(t, "POST /apis/serving.knative.dev/v1/namespaces/proj/services", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "api", gotBody.Metadata.Name)
	assert.Equal(t, pinnedImage, gotBody.Spec.Template.Spec.Containers[0].Image)
}

func TestUpdateService(t *testing.T) {
	var gotPath string

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		json.NewEncoder(w).Encode(serviceObject{
			Status: &serviceStatus{LatestCreatedRevisionName: "api-00002"},
		})
	}))
	defer server.Close()

	rev, err := client.UpdateService(context.Background(), testServiceSpec(), pinnedImage)
	require.NoError(t, err)

	assert.Equal(t, "api-00002", rev)
	assert.Equal(t, "PUT /apis/serving.knative.dev/v1/namespaces/proj/services/api", gotPath)
}

func TestDeleteService(t *testing.T) {
	var gotPath string

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := client.DeleteService(context.Background(), "api", "us-central1")
	require.NoError(t, err)

	assert.Equal(t, "DELETE /apis/serving.knative.dev/v1/namespaces/proj/services/api", gotPath)
}

func TestGetServiceStatus(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serviceObject{
			Status: &serviceStatus{
				URL:                       "https://api-xyz.run.app",
				LatestCreatedRevisionName: "api-00003",
				Conditions:                []condition{{Type: "Ready", Status: "True"}},
			},
		})
	}))
	defer server.Close()

	st, err := client.GetServiceStatus(context.Background(), "api", "us-central1")
	require.NoError(t, err)

	assert.True(t, st.Ready)
	assert.Equal(t, "https://api-xyz.run.app", st.URL)
	assert.Equal(t, "api-00003", st.RevisionID)
}

func TestAllowUnauthenticated(t *testing.T) {
	var gotPath string
	var gotBody setIamPolicyRequest

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := client.AllowUnauthenticated(context.Background(), "api", "us-central1")
	require.NoError(t, err)

	assert.Equal(t, "POST /v1/projects/proj/locations/us-central1/services/api:setIamPolicy", gotPath)
	require.Len(t, gotBody.Policy.Bindings, 1)
	assert.Equal(t, "roles/run.invoker", gotBody.Policy.Bindings[0].Role)
	assert.Equal(t, []string{"allUsers"}, gotBody.Policy.Bindings[0].Members)
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"not found", http.StatusNotFound, ErrServiceNotFound},
		{"bad request", http.StatusBadRequest, spec.ErrInvalidConfiguration},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": tt.status, "message": "nope"},
				})
			}))
			defer server.Close()

			_, err := client.GetServiceStatus(context.Background(), "api", "us-central1")
			assert.ErrorIs(t, err, tt.wantErr)

			var perr *PlatformError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.Status)
			assert.Equal(t, "nope", perr.Message)
		})
	}
}
