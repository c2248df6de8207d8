package artifacts_test

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/catalog"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/grant"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist/ocidisttest"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/seal"
)

const testArtifactType = "application/vnd.example.package+json"

var (
	widget = ocidist.MustParseRepository("acme", "widget")
	alice  = auth.Result{Kind: auth.KindBasic, User: "alice"}
)

type testEnv struct {
	reg       *ocidisttest.Registry
	client    *ocidist.Client
	issuer    *grant.Issuer
	kinds     *catalog.Memory
	publisher *artifacts.Publisher
}

func newTestEnv(t *testing.T, opts ...ocidist.ClientOption) *testEnv {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	issuer := grant.NewIssuer("registry.test", seal.NewSealer(key, time.Minute))

	reg := ocidisttest.New()
	reg.AuthorizeWith(issuer)
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	baseURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	kinds := catalog.NewMemory()
	client := ocidist.NewClient(baseURL, "example", issuer, append([]ocidist.ClientOption{ocidist.WithKindRecorder(kinds)}, opts...)...)
	return &testEnv{
		reg:       reg,
		client:    client,
		issuer:    issuer,
		kinds:     kinds,
		publisher: &artifacts.Publisher{Client: client, Grants: issuer},
	}
}

// filePublication publishes one file as a layer of the given tag, merging
// it into whatever the tag already has.
func filePublication(tag ocidist.Reference, filename string, data []byte) func() (*artifacts.Publication, error) {
	return func() (*artifacts.Publication, error) {
		layer := ocidist.NewLayer("application/octet-stream", data, map[string]string{"filename": filename})
		return &artifacts.Publication{
			Repository: widget,
			Tag:        tag,
			Blobs:      []artifacts.Blob{artifacts.BlobFor(layer, data)},
			Merge:      true,
			Build: func(existing *ocidist.Manifest) (*ocidist.Manifest, error) {
				if existing == nil {
					return ocidist.NewManifest(testArtifactType, nil, layer), nil
				}
				existing.ReplaceOrAppendLayer(layer, "filename")
				return existing, nil
			},
		}, nil
	}
}

func TestPublishValidationFailsFirst(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.publisher.Publish(context.Background(), alice, func() (*artifacts.Publication, error) {
		return nil, artifacts.Malformed("package name must be scoped")
	})

	step, ok := artifacts.FailedStep(err)
	require.True(t, ok, "not a step error: %v", err)
	assert.Equal(t, artifacts.StepValidated, step)
	assert.ErrorIs(t, err, artifacts.ErrMalformedInput)
	assert.Equal(t, 400, artifacts.StatusCode(err))
	assert.Equal(t, 0, env.reg.TotalCalls())
}

func TestPublishUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	for name, result := range map[string]auth.Result{
		"missing":   auth.MissingResult(),
		"read-only": {Kind: auth.KindToken, User: "bob", ReadOnly: true},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.publisher.Publish(context.Background(), result, filePublication("1.0.0", "a.bin", []byte("a")))
			step, _ := artifacts.FailedStep(err)
			assert.Equal(t, artifacts.StepGrantAcquired, step)
			assert.ErrorIs(t, err, ocidist.ErrUnauthorized)
			assert.Equal(t, 401, artifacts.StatusCode(err))
			assert.Equal(t, 0, env.reg.TotalCalls())
		})
	}
}

func TestPublishMerge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.publisher.Publish(ctx, alice, filePublication("1.0.0", "a.whl", []byte("wheel")))
	require.NoError(t, err)
	assert.Equal(t, widget, first.Repository)
	assert.Equal(t, ocidist.Reference("1.0.0"), first.Tag)

	second, err := env.publisher.Publish(ctx, alice, filePublication("1.0.0", "a.tar.gz", []byte("sdist")))
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, second.Digest)

	// Publishing the same file again replaces it rather than adding another.
	_, err = env.publisher.Publish(ctx, alice, filePublication("1.0.0", "a.whl", []byte("wheel, rebuilt")))
	require.NoError(t, err)

	token, err := env.issuer.ForRead(alice, widget)
	require.NoError(t, err)
	m, _, err := env.client.GetManifest(ctx, widget, "1.0.0", token)
	require.NoError(t, err)
	require.Len(t, m.Layers, 2)
	assert.Equal(t, "a.whl", m.Layers[0].Annotations["filename"])
	assert.Equal(t, ocidist.ComputeDigest([]byte("wheel, rebuilt")), m.Layers[0].Digest)
	assert.Equal(t, "a.tar.gz", m.Layers[1].Annotations["filename"])

	kind, ok := env.kinds.RepositoryKind(widget)
	assert.True(t, ok)
	assert.Equal(t, "example", kind)
}

type brokenKinds struct{}

func (brokenKinds) SetRepositoryKind(ctx context.Context, repo ocidist.Repository, kind string) error {
	return errors.New("database unavailable")
}

func TestPublishReplacesImageManifest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.reg.PutManifest(widget.String(), "1.0.0", []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[]}`))

	_, err := env.publisher.Publish(ctx, alice, filePublication("1.0.0", "a.whl", []byte("wheel")))
	require.NoError(t, err)

	token, err := env.issuer.ForRead(alice, widget)
	require.NoError(t, err)
	m, _, err := env.client.GetManifest(ctx, widget, "1.0.0", token)
	require.NoError(t, err)
	assert.Equal(t, testArtifactType, m.ArtifactType)
	require.Len(t, m.Layers, 1)
	assert.Equal(t, "a.whl", m.Layers[0].Annotations["filename"])
}

func TestPublishKindNotRecorded(t *testing.T) {
	env := newTestEnv(t, ocidist.WithKindRecorder(brokenKinds{}))
	_, err := env.publisher.Publish(context.Background(), alice, filePublication("1.0.0", "a.bin", []byte("a")))

	step, _ := artifacts.FailedStep(err)
	assert.Equal(t, artifacts.StepRepositoryKindTagged, step)
	assert.ErrorIs(t, err, ocidist.ErrKindNotRecorded)
	assert.Equal(t, 500, artifacts.StatusCode(err))
	assert.Equal(t, 1, env.reg.Calls(ocidisttest.OpManifestPut))
}

func TestVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, tag := range []ocidist.Reference{"1.0.0", "1.1.0", "2.0.0"} {
		_, err := env.publisher.Publish(ctx, alice, filePublication(tag, "pkg-"+tag.String()+".bin", []byte(tag)))
		require.NoError(t, err)
	}
	// A plain container image and an artifact of another type share the
	// repository and must be ignored.
	env.reg.PutManifest(widget.String(), "latest", []byte(`{"schemaVersion":2,"config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[]}`))
	env.reg.PutManifest(widget.String(), "other", []byte(`{"schemaVersion":2,"artifactType":"application/other","config":{"mediaType":"application/vnd.oci.empty.v1+json","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[]}`))

	token, err := env.issuer.ForRead(auth.MissingResult(), widget)
	require.NoError(t, err)
	got, err := artifacts.Versions(ctx, env.client, widget, token, testArtifactType, func(ctx context.Context, tm *artifacts.TaggedManifest) (string, error) {
		return tm.Tag.String() + "=" + tm.Manifest.Layers[0].Annotations["filename"], nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"1.0.0=pkg-1.0.0.bin",
		"1.1.0=pkg-1.1.0.bin",
		"2.0.0=pkg-2.0.0.bin",
	}, got)

	nothing := ocidist.MustParseRepository("acme", "nothing")
	token, err = env.issuer.ForRead(auth.MissingResult(), nothing)
	require.NoError(t, err)
	_, err = artifacts.Versions(ctx, env.client, nothing, token, testArtifactType, func(ctx context.Context, tm *artifacts.TaggedManifest) (string, error) {
		return "", nil
	})
	assert.True(t, ocidist.IsNotFound(err), "wrong error %v", err)
}

func TestStatusCode(t *testing.T) {
	tests := map[error]int{
		artifacts.Malformed("bad"):                        400,
		ocidist.ErrMalformedManifest:                      502,
		ocidist.ErrUnauthorized:                           401,
		ocidist.ErrInvalidGrant:                           401,
		seal.ErrExpired:                                   401,
		ocidist.ErrNotFound:                               404,
		ocidist.ErrUploadRejected:                         500,
		ocidist.RequestError{Wrapped: errors.New("dial")}: 500,
		&artifacts.StepError{Step: artifacts.StepBlobsUploaded, Err: ocidist.ErrUnauthorized}: 401,
	}
	for err, want := range tests {
		assert.Equal(t, want, artifacts.StatusCode(err), "status for %v", err)
	}
}

type namedTranslator struct {
	artifacts.Translator
	name string
}

func (t namedTranslator) Name() string { return t.name }

func TestRegistry(t *testing.T) {
	reg, err := artifacts.NewRegistry(namedTranslator{name: "npm"}, namedTranslator{name: "python"})
	require.NoError(t, err)
	assert.Equal(t, []string{"npm", "python"}, reg.Names())
	_, ok := reg.Get("python")
	assert.True(t, ok)
	_, ok = reg.Get("rubygems")
	assert.False(t, ok)

	_, err = artifacts.NewRegistry(namedTranslator{name: "npm"}, namedTranslator{name: "npm"})
	assert.Error(t, err)
}

func TestNotifierIsolatesHandlers(t *testing.T) {
	n := artifacts.NewNotifier()
	var ran []string
	n.Subscribe(artifacts.EventPush, "first", func(ctx context.Context, ev artifacts.Event) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	n.Subscribe(artifacts.EventPush, "second", func(ctx context.Context, ev artifacts.Event) error {
		ran = append(ran, "second")
		panic("handler bug")
	})
	n.Subscribe(artifacts.EventPush, "third", func(ctx context.Context, ev artifacts.Event) error {
		ran = append(ran, "third")
		return nil
	})
	n.Subscribe(artifacts.EventDelete, "deleter", func(ctx context.Context, ev artifacts.Event) error {
		ran = append(ran, "deleter")
		return nil
	})

	failed := n.Notify(context.Background(), artifacts.Event{Kind: artifacts.EventPush, Repository: widget})
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"first", "second", "third"}, ran)

	ran = nil
	failed = n.Notify(context.Background(), artifacts.Event{Kind: artifacts.EventDelete, Repository: widget})
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"deleter"}, ran)
}
