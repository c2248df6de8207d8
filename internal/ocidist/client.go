package ocidist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
)

// ErrKindNotRecorded is wrapped by errors from [Client.UploadManifest] when
// the manifest was accepted by the registry but the repository kind could
// not be recorded afterwards.
const ErrKindNotRecorded = staticError("repository kind not recorded")

// ActionPull and ActionPush are the registry actions a grant token can
// authorize.
const (
	ActionPull = "pull"
	ActionPush = "push"
)

const (
	maxManifestSize = 4 << 20
	maxErrorSize    = 64 << 10
)

// GrantValidator checks that a bearer grant token is genuine, current, and
// authorizes the given action on the given repository.
type GrantValidator interface {
	ValidateGrant(token string, namespace, repository, action string) error
}

// KindRecorder records which package protocol owns a repository, so that
// the host registry can tell it apart from a plain container image
// repository.
type KindRecorder interface {
	SetRepositoryKind(ctx context.Context, repo Repository, kind string) error
}

// Client is a client for the subset of the OCI distribution protocol that's
// needed to store and retrieve packages as OCI artifacts.
//
// Each package protocol has its own Client, whose kind is recorded against
// every repository it successfully pushes a manifest to. Every request is
// authorized by a bearer grant token passed by the caller, so a single Client
// can serve many concurrent requests on behalf of different users.
type Client struct {
	baseURL    *url.URL
	kind       string
	grants     GrantValidator
	kinds      KindRecorder
	prepareReq []func(req *http.Request) error
	rawClient  *http.Client
}

// ClientOption customizes a [Client] constructed by [NewClient].
type ClientOption func(*Client)

// WithTransport makes the client use the given round-tripper instead of
// [http.DefaultTransport].
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		if rt != nil {
			c.rawClient = &http.Client{Transport: rt}
		}
	}
}

// WithKindRecorder sets the object that's told about every repository the
// client pushes a manifest to. Without it, repository kinds are not recorded.
func WithKindRecorder(kinds KindRecorder) ClientOption {
	return func(c *Client) {
		c.kinds = kinds
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.AddPrepareRequest(func(req *http.Request) error {
			req.Header.Set("User-Agent", userAgent)
			return nil
		})
	}
}

// NewClient constructs and returns a new [Client] that will talk to an OCI
// distribution registry at the given base URL on behalf of the package
// protocol named by kind.
//
// The given URL must use either the "http" or "https" scheme, or this function
// will panic. The URL must not include a user info portion, because we handle
// authentication separately; this function will panic if the given URL has
// user information. Use [AssertValidRegistryURL] to test whether a
// user-provided URL would be accepted by this function without panicking.
//
// The grant validator is used to check grant tokens before uploading
// manifests, and must not be nil.
func NewClient(baseURL *url.URL, kind string, grants GrantValidator, opts ...ClientOption) *Client {
	if err := AssertValidRegistryURL(baseURL); err != nil {
		panic(err.Error())
	}
	if grants == nil {
		panic("ocidist.NewClient requires a grant validator")
	}
	c := &Client{
		baseURL:   baseURL,
		kind:      kind,
		grants:    grants,
		rawClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AssertValidRegistryURL checks whether the given URL is acceptable to pass
// to [NewClient], return an error describing a problem if not.
//
// If the result is nil then [NewClient] is guaranteed to accept the same URL
// without panicking, although that doesn't guarantee that the URL will actually
// work when it comes to making real API requests.
func AssertValidRegistryURL(baseURL *url.URL) error {
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return fmt.Errorf("must use scheme \"https\" or \"http\", not %q", baseURL.Scheme)
	}
	if baseURL.User != nil {
		return fmt.Errorf("must not include a user information portion")
	}
	return nil
}

// AddPrepareRequest provides a function that the client will call just before
// making any HTTP request, giving an opportunity to add extra context such as
// tracing headers.
//
// The request-preparation function must not modify the request in any way that
// would change the meaning of what is being requested or what format the
// response would be in, and must not replace the Authorization header, which
// always carries the grant token for the current operation.
//
// This must not be called concurrently with any other method of the same
// client object. Typically it would be called only during the initial setup of
// the client.
func (c *Client) AddPrepareRequest(cb func(req *http.Request) error) {
	c.prepareReq = append(c.prepareReq, cb)
}

// Kind returns the repository kind this client records for the repositories
// it pushes to.
func (c *Client) Kind() string {
	return c.kind
}

// CheckAPISupport attempts to detect whether the client's configured base
// URL is an implementation of the OCI Distribution specification.
//
// This is just a heuristic to help the system fail early if given an invalid
// URL. A registry that requires authentication for the version check is
// still considered to be a registry.
func (c *Client) CheckAPISupport(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "", nil, "v2/")
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("unexpected status %s from version check", resp.Status)
	}
	return nil
}

// BlobExists returns true if the registry reports that the given repository
// already has a blob with the given digest.
//
// Any response other than success is treated as the blob not existing,
// including failure to reach the registry at all, with the exception of an
// authorization failure which returns [ErrUnauthorized].
func (c *Client) BlobExists(ctx context.Context, repo Repository, d digest.Digest, token string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, token, nil, "v2", repo.String(), "blobs", d.String())
	if err != nil {
		return false, fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		logging.ContextLogger(ctx).WithError(err).WithField("digest", d).Debug("blob existence check failed")
		return false, nil
	}
	drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, fmt.Errorf("checking for blob %s: %w", d, ErrUnauthorized)
	default:
		return false, nil
	}
}

// UploadBlob makes sure the given repository has a blob containing data,
// whose digest must be d.
//
// If the registry already has the blob then this returns immediately without
// uploading it again. Otherwise it starts an upload session and then
// completes it in a single request carrying the whole payload.
func (c *Client) UploadBlob(ctx context.Context, repo Repository, data []byte, d digest.Digest, token string) error {
	logger := logging.ContextLogger(ctx).WithFields(logrus.Fields{
		"repository": repo.String(),
		"digest":     d,
	})

	exists, err := c.BlobExists(ctx, repo, d, token)
	if err != nil {
		return err
	}
	if exists {
		logger.Debug("blob already present")
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodPost, token, nil, "v2", repo.String(), "blobs", "uploads/")
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return statusError("starting blob upload", resp, ErrUploadRejected)
	}
	drainAndClose(resp.Body)

	location := resp.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("%w: registry did not return an upload location", ErrUploadRejected)
	}
	uploadURL, err := c.baseURL.Parse(location)
	if err != nil {
		return fmt.Errorf("%w: invalid upload location %q: %s", ErrUploadRejected, location, err)
	}
	q := uploadURL.Query()
	q.Set("digest", d.String())
	uploadURL.RawQuery = q.Encode()

	req, err = c.newRequestURL(ctx, http.MethodPut, token, bytes.NewReader(data), uploadURL)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err = c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError("finishing blob upload", resp, ErrUploadRejected)
	}
	drainAndClose(resp.Body)

	logger.WithField("size", len(data)).Debug("uploaded blob")
	return nil
}

// EnsureEmptyBlob makes sure the given repository has the well-known empty
// config blob, which a manifest using [EmptyConfig] must be able to refer to.
func (c *Client) EnsureEmptyBlob(ctx context.Context, repo Repository, token string) error {
	return c.UploadBlob(ctx, repo, EmptyConfigData, EmptyConfig.Digest, token)
}

// GetManifest returns the manifest for the given tag or digest in the given
// repository, along with the manifest's own digest.
//
// Returns an error wrapping [ErrNotFound] if there is no such manifest.
func (c *Client) GetManifest(ctx context.Context, repo Repository, ref string, token string) (*Manifest, digest.Digest, error) {
	req, err := c.newRequest(ctx, http.MethodGet, token, nil, "v2", repo.String(), "manifests", ref)
	if err != nil {
		return nil, "", fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Accept", ocispec.MediaTypeImageManifest)

	resp, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("fetching manifest "+ref, resp, notFoundFor(resp))
	}
	defer resp.Body.Close()

	src, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, "", RequestError{Wrapped: err}
	}
	if len(src) > maxManifestSize {
		return nil, "", fmt.Errorf("%w: manifest exceeds %d bytes", ErrMalformedManifest, maxManifestSize)
	}
	m, err := ParseManifest(src)
	if err != nil {
		return nil, "", err
	}

	d, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
	if err != nil {
		d = ComputeDigest(src)
	}
	return m, d, nil
}

// UploadManifest uploads the given manifest and points the given tag at it,
// returning the digest of the uploaded manifest.
//
// The grant token must authorize pushing to the repository. If the manifest
// refers to [EmptyConfig] then the empty blob is uploaded first, if needed.
// Once the registry accepts the manifest the repository is recorded as
// belonging to this client's kind; failure to do that is reported as an
// error wrapping [ErrKindNotRecorded].
func (c *Client) UploadManifest(ctx context.Context, repo Repository, m *Manifest, tag Reference, token string) (digest.Digest, error) {
	if err := c.grants.ValidateGrant(token, repo.Namespace.String(), repo.Name.String(), ActionPush); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidGrant, err)
	}

	if m.HasEmptyConfig() {
		if err := c.EnsureEmptyBlob(ctx, repo, token); err != nil {
			return "", err
		}
	}

	src, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize manifest: %s", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, token, bytes.NewReader(src), "v2", repo.String(), "manifests", tag.String())
	if err != nil {
		return "", fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Content-Type", ocispec.MediaTypeImageManifest)

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", statusError("uploading manifest "+tag.String(), resp, nil)
	}
	drainAndClose(resp.Body)

	d, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
	if err != nil {
		d = ComputeDigest(src)
	}

	logger := logging.ContextLogger(ctx).WithFields(logrus.Fields{
		"repository": repo.String(),
		"tag":        tag,
		"digest":     d,
	})
	logger.Info("uploaded manifest")

	if c.kinds == nil {
		logger.Debug("no kind recorder configured")
		return d, nil
	}
	if err := c.kinds.SetRepositoryKind(ctx, repo, c.kind); err != nil {
		return d, fmt.Errorf("%w: %w", ErrKindNotRecorded, err)
	}
	return d, nil
}

// GetBlob returns a reader for the content of the blob with the given digest
// in the given repository, along with its size if the registry reported it,
// or -1 if not.
//
// The caller must close the returned reader. Returns an error wrapping
// [ErrNotFound] if there is no such blob.
func (c *Client) GetBlob(ctx context.Context, repo Repository, d digest.Digest, token string) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, token, nil, "v2", repo.String(), "blobs", d.String())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, statusError("fetching blob "+d.String(), resp, notFoundFor(resp))
	}
	return resp.Body, resp.ContentLength, nil
}

// ReadBlob is like [Client.GetBlob] but reads the whole blob into memory,
// failing if it is larger than limit bytes or doesn't match its digest.
func (c *Client) ReadBlob(ctx context.Context, repo Repository, d digest.Digest, token string, limit int64) ([]byte, error) {
	body, _, err := c.GetBlob(ctx, repo, d, token)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, RequestError{Wrapped: err}
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", d, limit)
	}
	if got := d.Algorithm().FromBytes(data); got != d {
		return nil, fmt.Errorf("blob %s has mismatched content digest %s", d, got)
	}
	return data, nil
}

// ListTags returns the tags in the given repository.
//
// Only the first page of results is returned. If the server returns any tag
// names that aren't valid reference strings per the OCI Distribution
// specification then this function will silently discard them and return
// only the valid subset.
func (c *Client) ListTags(ctx context.Context, repo Repository, token string) ([]Reference, error) {
	req, err := c.newRequest(ctx, http.MethodGet, token, nil, "v2", repo.String(), "tags", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("listing tags", resp, notFoundFor(resp))
	}
	defer resp.Body.Close()

	// TODO: Follow the Link header to retrieve subsequent pages.
	if link := resp.Header.Get("Link"); link != "" {
		logging.ContextLogger(ctx).WithFields(logrus.Fields{
			"repository": repo.String(),
			"link":       link,
		}).Warn("tag list is paginated; only the first page is used")
	}

	type RespBody struct {
		Tags []string `json:"tags"`
	}
	var respBody RespBody
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, fmt.Errorf("response is not in the expected format: %s", err)
	}

	ret := make([]Reference, 0, len(respBody.Tags))
	for _, rawTag := range respBody.Tags {
		ref, err := ParseReference(rawTag)
		if err != nil {
			continue
		}
		ret = append(ret, ref)
	}
	return ret, nil
}

// BlobURL returns the full URL for retrieving the content of the blob with
// the given digest belonging to the given repository.
func (c *Client) BlobURL(repo Repository, d digest.Digest) *url.URL {
	return c.baseURL.JoinPath("v2", repo.String(), "blobs", d.String())
}

func (c *Client) newRequest(ctx context.Context, method string, token string, body io.Reader, urlParts ...string) (*http.Request, error) {
	return c.newRequestURL(ctx, method, token, body, c.baseURL.JoinPath(urlParts...))
}

func (c *Client) newRequestURL(ctx context.Context, method string, token string, body io.Reader, u *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for _, cb := range c.prepareReq {
		err := cb(req)
		if err != nil {
			return nil, err
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.rawClient.Do(req)
	if err != nil {
		return nil, RequestError{Wrapped: err}
	}
	return resp, nil
}

// statusError consumes the body of an unexpected response and builds an
// error describing it.
//
// An authorization failure always wraps [ErrUnauthorized]. Otherwise the
// result wraps the given sentinel error, if any.
func statusError(op string, resp *http.Response, sentinel error) error {
	defer resp.Body.Close()

	errResp := &errcode.ErrorResponse{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
		StatusCode: resp.StatusCode,
	}
	var body struct {
		Errors errcode.Errors `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorSize)).Decode(&body); err == nil {
		errResp.Errors = body.Errors
	}
	regErr := &RegistryError{Op: op, Response: errResp}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", ErrUnauthorized, regErr)
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, regErr)
	}
	return regErr
}

func notFoundFor(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorSize))
	body.Close()
}

// IsNotFound returns true if the given error reports that a tag, manifest,
// or blob does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
