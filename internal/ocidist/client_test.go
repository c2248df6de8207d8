package ocidist_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist/ocidisttest"
)

type grantFunc func(token, namespace, repository, action string) error

func (f grantFunc) ValidateGrant(token, namespace, repository, action string) error {
	return f(token, namespace, repository, action)
}

var allowAll = grantFunc(func(string, string, string, string) error { return nil })

type kindMap map[string]string

func (m kindMap) SetRepositoryKind(ctx context.Context, repo ocidist.Repository, kind string) error {
	m[repo.String()] = kind
	return nil
}

type failingKinds struct{}

func (failingKinds) SetRepositoryKind(ctx context.Context, repo ocidist.Repository, kind string) error {
	return errors.New("catalog unavailable")
}

func newTestClient(t *testing.T, grants ocidist.GrantValidator, opts ...ocidist.ClientOption) (*ocidist.Client, *ocidisttest.Registry) {
	t.Helper()
	reg := ocidisttest.New()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	baseURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return ocidist.NewClient(baseURL, "test", grants, opts...), reg
}

var testRepo = ocidist.MustParseRepository("acme", "widget")

func TestClientUploadBlobIdempotent(t *testing.T) {
	ctx := context.Background()
	client, reg := newTestClient(t, allowAll)
	data := []byte("package content")
	d := ocidist.ComputeDigest(data)

	require.NoError(t, client.UploadBlob(ctx, testRepo, data, d, "token"))
	require.NoError(t, client.UploadBlob(ctx, testRepo, data, d, "token"))

	assert.Equal(t, 2, reg.Calls(ocidisttest.OpBlobHead))
	assert.Equal(t, 1, reg.Calls(ocidisttest.OpUploadStart))
	assert.Equal(t, 1, reg.Calls(ocidisttest.OpUploadFinish))

	got, ok := reg.Blob(testRepo.String(), d)
	require.True(t, ok, "blob was not stored")
	assert.Equal(t, data, got)
}

func TestClientUnauthorized(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, allowAll)
	data := []byte("x")
	d := ocidist.ComputeDigest(data)

	_, err := client.BlobExists(ctx, testRepo, d, "")
	assert.ErrorIs(t, err, ocidist.ErrUnauthorized)

	err = client.UploadBlob(ctx, testRepo, data, d, "")
	assert.ErrorIs(t, err, ocidist.ErrUnauthorized)

	_, _, err = client.GetManifest(ctx, testRepo, "1.0.0", "")
	assert.ErrorIs(t, err, ocidist.ErrUnauthorized)
}

func TestClientRegistryRejectsGrant(t *testing.T) {
	ctx := context.Background()
	client, reg := newTestClient(t, allowAll)
	reg.AuthorizeWith(grantFunc(func(token, ns, repo, action string) error {
		if action == ocidist.ActionPush {
			return errors.New("read-only grant")
		}
		return nil
	}))

	data := []byte("x")
	err := client.UploadBlob(ctx, testRepo, data, ocidist.ComputeDigest(data), "token")
	assert.ErrorIs(t, err, ocidist.ErrUnauthorized)
	assert.Equal(t, 1, reg.Calls(ocidisttest.OpBlobHead))
	assert.Equal(t, 1, reg.Calls(ocidisttest.OpUploadStart))
	assert.Equal(t, 0, reg.Calls(ocidisttest.OpUploadFinish))
}

func TestClientUploadManifest(t *testing.T) {
	ctx := context.Background()
	kinds := kindMap{}
	client, reg := newTestClient(t, allowAll, ocidist.WithKindRecorder(kinds))

	data := []byte("layer content")
	layer := ocidist.NewLayer("application/octet-stream", data, map[string]string{"filename": "a.bin"})
	require.NoError(t, client.UploadBlob(ctx, testRepo, data, layer.Digest, "token"))

	m := ocidist.NewManifest("application/vnd.example+json", nil, layer)
	d, err := client.UploadManifest(ctx, testRepo, m, "1.0.0", "token")
	require.NoError(t, err)

	_, ok := reg.Blob(testRepo.String(), ocidist.EmptyConfig.Digest)
	assert.True(t, ok, "empty config blob was not uploaded")
	assert.Equal(t, map[string]string{"acme/widget": "test"}, map[string]string(kinds))

	got, gotDigest, err := client.GetManifest(ctx, testRepo, "1.0.0", "token")
	require.NoError(t, err)
	assert.Equal(t, d, gotDigest)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("wrong manifest\n%s", diff)
	}

	// Pushing the same manifest again must not upload the empty blob twice.
	_, err = client.UploadManifest(ctx, testRepo, m, "1.0.0", "token")
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Calls(ocidisttest.OpUploadStart))
}

func TestClientUploadManifestInvalidGrant(t *testing.T) {
	ctx := context.Background()
	client, reg := newTestClient(t, grantFunc(func(token, ns, repo, action string) error {
		return errors.New("grant expired")
	}))

	m := ocidist.NewManifest("application/vnd.example+json", nil)
	_, err := client.UploadManifest(ctx, testRepo, m, "1.0.0", "token")
	assert.ErrorIs(t, err, ocidist.ErrInvalidGrant)
	assert.Equal(t, 0, reg.TotalCalls())
}

func TestClientUploadManifestMissingBlob(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, allowAll)

	layer := ocidist.NewLayer("application/octet-stream", []byte("never uploaded"), nil)
	m := ocidist.NewManifest("application/vnd.example+json", nil, layer)
	_, err := client.UploadManifest(ctx, testRepo, m, "1.0.0", "token")
	require.Error(t, err)

	var regErr *ocidist.RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, 400, regErr.Response.StatusCode)
	require.Len(t, regErr.Response.Errors, 1)
	assert.Equal(t, errcode.ErrorCodeManifestBlobUnknown, regErr.Response.Errors[0].Code)
}

func TestClientUploadManifestKindNotRecorded(t *testing.T) {
	ctx := context.Background()
	client, reg := newTestClient(t, allowAll, ocidist.WithKindRecorder(failingKinds{}))

	m := ocidist.NewManifest("application/vnd.example+json", nil)
	d, err := client.UploadManifest(ctx, testRepo, m, "1.0.0", "token")
	assert.ErrorIs(t, err, ocidist.ErrKindNotRecorded)
	assert.NotEmpty(t, d)

	_, ok := reg.Manifest(testRepo.String(), "1.0.0")
	assert.True(t, ok, "manifest was not stored")
}

func TestClientNotFound(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, allowAll)

	_, _, err := client.GetManifest(ctx, testRepo, "1.0.0", "token")
	assert.True(t, ocidist.IsNotFound(err), "wrong error %v", err)

	_, err = client.ListTags(ctx, testRepo, "token")
	assert.True(t, ocidist.IsNotFound(err), "wrong error %v", err)

	_, _, err = client.GetBlob(ctx, testRepo, ocidist.ComputeDigest([]byte("nope")), "token")
	assert.True(t, ocidist.IsNotFound(err), "wrong error %v", err)
}

func TestClientListTags(t *testing.T) {
	ctx := context.Background()
	client, reg := newTestClient(t, allowAll)

	src := []byte(`{}`)
	reg.PutManifest(testRepo.String(), "2.0.0", src)
	reg.PutManifest(testRepo.String(), "1.0.0", src)
	reg.PutManifest(testRepo.String(), "not a tag", src)

	got, err := client.ListTags(ctx, testRepo, "token")
	require.NoError(t, err)
	assert.Equal(t, []ocidist.Reference{"1.0.0", "2.0.0"}, got)
}

func TestClientReadBlob(t *testing.T) {
	ctx := context.Background()
	client, reg := newTestClient(t, allowAll)

	data := []byte(`{"name":"widget"}`)
	d := reg.PutBlob(testRepo.String(), data)

	got, err := client.ReadBlob(ctx, testRepo, d, "token", 1024)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = client.ReadBlob(ctx, testRepo, d, "token", 4)
	assert.Error(t, err)
}
