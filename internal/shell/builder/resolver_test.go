package builder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Fake Engine
// =============================================================================

type fakeEngine struct {
	buildCalls  int
	pushCalls   int
	existsCalls int

	buildErr     error
	pushErrs     []error // consumed per call; nil entry means success
	pushDigest   spec.Digest
	remoteDigest spec.Digest
	existsErr    error
}

func (f *fakeEngine) Build(ctx context.Context, b spec.BuildSpec, tag string) error {
	f.buildCalls++
	return f.buildErr
}

func (f *fakeEngine) Push(ctx context.Context, ref spec.ImageRef) (spec.Digest, error) {
	f.pushCalls++
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.pushDigest, nil
}

func (f *fakeEngine) Exists(ctx context.Context, ref spec.ImageRef, d spec.Digest) (bool, error) {
	f.existsCalls++
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.remoteDigest == d, nil
}

func (f *fakeEngine) Close() error { return nil }

const testDigest = spec.Digest("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

func testRequest() ResolveRequest {
	return ResolveRequest{
		Build: spec.BuildSpec{Context: "./app"},
		Target: spec.ImageRef{
			Registry:   "us-central1-docker.pkg.dev",
			Repository: "proj/api-repo/image",
			Tag:        "latest",
		},
	}
}

func fastConfig() ResolverConfig {
	return ResolverConfig{PushRetries: 3, PushRetryDelay: time.Millisecond}
}

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve_BuildThenPush(t *testing.T) {
	engine := &fakeEngine{pushDigest: testDigest}
	r := NewResolver(engine, fastConfig(), nil)

	d, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, testDigest, d)
	assert.Equal(t, 1, engine.buildCalls)
	assert.Equal(t, 1, engine.pushCalls)
	assert.Zero(t, engine.existsCalls)
}

func TestResolve_BuildFailureNotRetried(t *testing.T) {
	engine := &fakeEngine{
		buildErr: NewBuilderError("Build", "t", "compile error", spec.ErrBuildFailed),
	}
	r := NewResolver(engine, fastConfig(), nil)

	_, err := r.Resolve(context.Background(), testRequest())

	assert.ErrorIs(t, err, spec.ErrBuildFailed)
	assert.Equal(t, 1, engine.buildCalls)
	assert.Zero(t, engine.pushCalls)
}

func TestResolve_PushRetriedThenSucceeds(t *testing.T) {
	transient := NewBuilderError("Push", "t", "503 from registry", spec.ErrPushFailed)
	engine := &fakeEngine{
		pushErrs:   []error{transient, transient, nil},
		pushDigest: testDigest,
	}
	r := NewResolver(engine, fastConfig(), nil)

	d, err := r.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, testDigest, d)
	assert.Equal(t, 3, engine.pushCalls)
}

func TestResolve_PushRetriesExhausted(t *testing.T) {
	transient := NewBuilderError("Push", "t", "quota exceeded", spec.ErrPushFailed)
	engine := &fakeEngine{
		pushErrs: []error{transient, transient, transient},
	}
	r := NewResolver(engine, fastConfig(), nil)

	_, err := r.Resolve(context.Background(), testRequest())

	assert.ErrorIs(t, err, spec.ErrPushFailed)
	assert.Equal(t, 3, engine.pushCalls)
}

func TestResolve_SkipsPushWhenRegistryCurrent(t *testing.T) {
	engine := &fakeEngine{remoteDigest: testDigest}
	r := NewResolver(engine, fastConfig(), nil)

	req := testRequest()
	req.PriorDigest = testDigest
	req.BuildUnchanged = true

	d, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, testDigest, d)
	assert.Equal(t, 1, engine.existsCalls)
	assert.Zero(t, engine.buildCalls)
	assert.Zero(t, engine.pushCalls)
}

func TestResolve_PushesWhenRegistryStale(t *testing.T) {
	engine := &fakeEngine{
		remoteDigest: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		pushDigest:   testDigest,
	}
	r := NewResolver(engine, fastConfig(), nil)

	req := testRequest()
	req.PriorDigest = testDigest
	req.BuildUnchanged = true

	d, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, testDigest, d)
	assert.Equal(t, 1, engine.buildCalls)
	assert.Equal(t, 1, engine.pushCalls)
}

func TestResolve_ExistsErrorFallsBackToPush(t *testing.T) {
	engine := &fakeEngine{
		existsErr:  ErrConnectionFailed,
		pushDigest: testDigest,
	}
	r := NewResolver(engine, fastConfig(), nil)

	req := testRequest()
	req.PriorDigest = testDigest
	req.BuildUnchanged = true

	d, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, testDigest, d)
	assert.Equal(t, 1, engine.pushCalls)
}

func TestResolve_CancelledDuringRetryBackoff(t *testing.T) {
	transient := NewBuilderError("Push", "t", "registry hiccup", spec.ErrPushFailed)
	engine := &fakeEngine{
		pushErrs: []error{transient, transient, transient},
	}
	r := NewResolver(engine, ResolverConfig{PushRetries: 3, PushRetryDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Resolve(ctx, testRequest())

	assert.ErrorIs(t, err, spec.ErrCancelled)
	assert.Equal(t, 1, engine.pushCalls)
}

// =============================================================================
// Stream Decoding Tests
// =============================================================================

func TestDigestFromPushStream(t *testing.T) {
	e := &DockerEngine{logger: discardLogger()}
	stream := `{"status":"Pushing","id":"layer1"}
{"aux":{"Tag":"latest","Digest":"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855","Size":528}}
`
	d, err := e.digestFromPushStream(stringsReader(stream))
	require.NoError(t, err)
	assert.Equal(t, testDigest, d)
}

func TestDigestFromPushStream_EngineError(t *testing.T) {
	e := &DockerEngine{logger: discardLogger()}
	stream := `{"errorDetail":{"message":"denied: permission denied"},"error":"denied: permission denied"}
`
	_, err := e.digestFromPushStream(stringsReader(stream))
	assert.ErrorContains(t, err, "denied")
}

func TestDigestFromPushStream_MissingDigest(t *testing.T) {
	e := &DockerEngine{logger: discardLogger()}
	_, err := e.digestFromPushStream(stringsReader(`{"status":"Pushed"}` + "\n"))
	assert.ErrorIs(t, err, ErrNoDigest)
}

func TestDrainBuildStream_Error(t *testing.T) {
	e := &DockerEngine{logger: discardLogger()}
	stream := `{"stream":"Step 1/2 : FROM scratch\n"}
{"errorDetail":{"message":"no such file"},"error":"no such file"}
`
	err := e.drainBuildStream(stringsReader(stream))
	assert.ErrorContains(t, err, "no such file")
}
