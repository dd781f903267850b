package e2e

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/artpar/runway/internal/core/manifest"
	"github.com/artpar/runway/internal/core/spec"
	"github.com/artpar/runway/internal/shell/api"
	"github.com/artpar/runway/internal/shell/builder"
	"github.com/artpar/runway/internal/shell/cloudrun"
	"github.com/artpar/runway/internal/shell/engine"
	"github.com/artpar/runway/internal/shell/reconcile"
	"github.com/artpar/runway/internal/shell/store"
)

// =============================================================================
// Fake Build Engine
// =============================================================================

// fakeBuildEngine stands in for the Docker engine: builds always succeed
// unless told otherwise, and pushes mint a digest derived from the ref so
// the same target always resolves to the same digest.
type fakeBuildEngine struct {
	mu         sync.Mutex
	buildCalls int
	pushCalls  int
	buildErr   error
	pushErr    error
	pushed     map[string]spec.Digest
}

func newFakeBuildEngine() *fakeBuildEngine {
	return &fakeBuildEngine{pushed: make(map[string]spec.Digest)}
}

func (f *fakeBuildEngine) Build(ctx context.Context, b spec.BuildSpec, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	return f.buildErr
}

func (f *fakeBuildEngine) Push(ctx context.Context, ref spec.ImageRef) (spec.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if f.pushErr != nil {
		return "", f.pushErr
	}
	d := spec.Digest(fmt.Sprintf("sha256:%x", sha256.Sum256([]byte(ref.String()))))
	f.pushed[ref.String()] = d
	return d, nil
}

func (f *fakeBuildEngine) Exists(ctx context.Context, ref spec.ImageRef, d spec.Digest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed[ref.String()] == d, nil
}

func (f *fakeBuildEngine) Close() error { return nil }

func (f *fakeBuildEngine) counts() (builds, pushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buildCalls, f.pushCalls
}

// =============================================================================
// Cloud Run Stub
// =============================================================================

// Knative Service payload, as the Admin API speaks it.
type knService struct {
	Metadata knMeta    `json:"metadata"`
	Spec     knSpec    `json:"spec"`
	Status   *knStatus `json:"status,omitempty"`
}

type knMeta struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type knSpec struct {
	Template knTemplate `json:"template"`
}

type knTemplate struct {
	Metadata knMeta    `json:"metadata"`
	Spec     knRevSpec `json:"spec"`
}

type knRevSpec struct {
	ContainerConcurrency int           `json:"containerConcurrency,omitempty"`
	Containers           []knContainer `json:"containers"`
}

type knContainer struct {
	Image string `json:"image"`
}

type knStatus struct {
	URL                       string        `json:"url"`
	LatestCreatedRevisionName string        `json:"latestCreatedRevisionName"`
	Conditions                []knCondition `json:"conditions"`
}

type knCondition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type stubRecord struct {
	image    string
	revision int
}

// cloudRunStub is an in-memory Cloud Run Admin API. Services become ready
// as soon as they are created, so readiness polling terminates on the
// first check.
type cloudRunStub struct {
	server *httptest.Server

	mu          sync.Mutex
	services    map[string]*stubRecord
	createCalls int
	updateCalls int
	deleteCalls int
	iamServices []string
}

func newCloudRunStub() *cloudRunStub {
	s := &cloudRunStub{services: make(map[string]*stubRecord)}

	r := chi.NewRouter()
	r.Route("/apis/serving.knative.dev/v1/namespaces/{project}/services", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/{name}", s.handleGet)
		r.Put("/{name}", s.handleUpdate)
		r.Delete("/{name}", s.handleDelete)
	})
	r.Post("/v1/projects/{project}/locations/{region}/services/{call}", s.handleSetIamPolicy)

	s.server = httptest.NewServer(r)
	return s
}

func (s *cloudRunStub) handleCreate(w http.ResponseWriter, r *http.Request) {
	var obj knService
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
		writeAPIError(w, http.StatusBadRequest, "malformed service")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++

	if _, exists := s.services[obj.Metadata.Name]; exists {
		writeAPIError(w, http.StatusConflict, "service already exists")
		return
	}

	rec := &stubRecord{image: containerImage(obj), revision: 1}
	s.services[obj.Metadata.Name] = rec
	writeService(w, obj.Metadata.Name, rec)
}

func (s *cloudRunStub) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var obj knService
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
		writeAPIError(w, http.StatusBadRequest, "malformed service")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++

	rec, exists := s.services[name]
	if !exists {
		writeAPIError(w, http.StatusNotFound, "service not found")
		return
	}
	rec.image = containerImage(obj)
	rec.revision++
	writeService(w, name, rec)
}

func (s *cloudRunStub) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++

	if _, exists := s.services[name]; !exists {
		writeAPIError(w, http.StatusNotFound, "service not found")
		return
	}
	delete(s.services, name)
	w.Write([]byte("{}"))
}

func (s *cloudRunStub) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.services[name]
	if !exists {
		writeAPIError(w, http.StatusNotFound, "service not found")
		return
	}
	writeService(w, name, rec)
}

func (s *cloudRunStub) handleSetIamPolicy(w http.ResponseWriter, r *http.Request) {
	call := chi.URLParam(r, "call")
	name := strings.TrimSuffix(call, ":setIamPolicy")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.iamServices = append(s.iamServices, name)
	w.Write([]byte("{}"))
}

func (s *cloudRunStub) counts() (creates, updates, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, s.updateCalls, s.deleteCalls
}

func (s *cloudRunStub) openedServices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.iamServices...)
}

func (s *cloudRunStub) serviceImage(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, exists := s.services[name]; exists {
		return rec.image
	}
	return ""
}

func containerImage(obj knService) string {
	if len(obj.Spec.Template.Spec.Containers) > 0 {
		return obj.Spec.Template.Spec.Containers[0].Image
	}
	return ""
}

func writeService(w http.ResponseWriter, name string, rec *stubRecord) {
	obj := knService{
		Metadata: knMeta{Name: name},
		Spec: knSpec{Template: knTemplate{Spec: knRevSpec{
			Containers: []knContainer{{Image: rec.image}},
		}}},
		Status: &knStatus{
			URL:                       fmt.Sprintf("https://%s-stub.a.run.app", name),
			LatestCreatedRevisionName: fmt.Sprintf("%s-%05d", name, rec.revision),
			Conditions:                []knCondition{{Type: "Ready", Status: "True"}},
		},
	}
	json.NewEncoder(w).Encode(obj)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, message)
}

// =============================================================================
// Test Environment
// =============================================================================

// testEnv wires the full stack: real state store and HTTP API, fake build
// engine, stubbed platform.
type testEnv struct {
	apiServer  *httptest.Server
	stub       *cloudRunStub
	buildEng   *fakeBuildEngine
	contextDir string
	client     *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	contextDir := t.TempDir()
	writeContextFile(t, contextDir, "Dockerfile", "FROM scratch\nCOPY . /srv\n")

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	stub := newCloudRunStub()
	t.Cleanup(stub.server.Close)

	buildEng := newFakeBuildEngine()
	resolver := builder.NewResolver(buildEng, builder.ResolverConfig{
		PushRetries:    2,
		PushRetryDelay: 10 * time.Millisecond,
	}, logger)

	platform := cloudrun.NewRESTClient(cloudrun.Config{
		Project:  "acme",
		Token:    "test-token",
		Endpoint: stub.server.URL,
	})
	reconciler := reconcile.NewReconciler(platform, reconcile.Config{
		Timeout:      5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}, logger)

	eng := engine.New(st, resolver, reconciler, engine.DefaultConfig(), logger)

	handler := api.NewHandler(eng, st, manifest.Defaults{
		Project: "acme",
		Region:  "us-central1",
	}, logger)

	apiServer := httptest.NewServer(handler.Routes())
	t.Cleanup(apiServer.Close)

	return &testEnv{
		apiServer:  apiServer,
		stub:       stub,
		buildEng:   buildEng,
		contextDir: contextDir,
		client:     apiServer.Client(),
	}
}

// manifest renders a single-service manifest targeting the env's build
// context, with extra appended verbatim under the service entry.
func (e *testEnv) manifest(extra string) string {
	m := fmt.Sprintf(`
services:
  - name: web
    image:
      context: %s
    allowUnauthenticated: true
`, e.contextDir)
	if extra != "" {
		for _, line := range strings.Split(strings.TrimRight(extra, "\n"), "\n") {
			m += "    " + line + "\n"
		}
	}
	return m
}

// runPass POSTs a manifest at /api/v1/preview or /api/v1/apply and decodes
// the pass result.
func (e *testEnv) runPass(t *testing.T, path, manifestYAML string) (int, engine.PassResult) {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"manifest": manifestYAML})
	require.NoError(t, err)

	resp, err := e.client.Post(e.apiServer.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var result engine.PassResult
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnprocessableEntity {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	}
	return resp.StatusCode, result
}

// getState fetches one resource's recorded state.
func (e *testEnv) getState(t *testing.T, resourceID string) (int, spec.ServiceState) {
	t.Helper()

	resp, err := e.client.Get(e.apiServer.URL + "/api/v1/state/" + resourceID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var state spec.ServiceState
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	}
	return resp.StatusCode, state
}

func writeContextFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
