package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/docker/distribution/notifications"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/config"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist/ocidisttest"
)

const eventsToken = "shared-secret"

type testServer struct {
	reg      *ocidisttest.Registry
	srv      *httptest.Server
	services *Services
}

func newTestServer(t *testing.T, plugins ...string) *testServer {
	t.Helper()
	reg := ocidisttest.New()
	regSrv := httptest.NewServer(reg)
	t.Cleanup(regSrv.Close)
	regURL, err := url.Parse(regSrv.URL)
	require.NoError(t, err)

	var secret [32]byte
	_, err = rand.Read(secret[:])
	require.NoError(t, err)
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)

	cfg := &config.Config{
		Server: &config.Server{
			ListenAddr:   ":8080",
			PublicURL:    &url.URL{Scheme: "https", Host: "packages.example.com"},
			MaxBodyBytes: 1 << 20,
		},
		Registry: &config.Registry{
			URL:         regURL,
			Audience:    "registry.test",
			GrantSecret: secret,
			GrantTTL:    time.Minute,
		},
		Events:  &config.Events{Token: eventsToken},
		Plugins: make(map[string]*config.Plugin),
		Users: map[string]*config.User{
			"alice": {Name: "alice", PasswordHash: hash},
		},
	}
	for _, name := range plugins {
		cfg.Plugins[name] = &config.Plugin{Name: name}
	}

	services, err := NewServices(cfg)
	require.NoError(t, err)
	reg.AuthorizeWith(services.Issuer)
	handler, err := services.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{reg: reg, srv: srv, services: services}
}

func (s *testServer) do(t *testing.T, method, path, contentType string, body []byte, withAuth bool) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if withAuth {
		req.SetBasicAuth("alice", "hunter2")
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename, content string) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range fields {
		require.NoError(t, w.WriteField(name, value))
	}
	part, err := w.CreateFormFile(fileField, filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w.FormDataContentType(), buf.Bytes()
}

func TestServerPythonAndRepositoryKind(t *testing.T) {
	s := newTestServer(t)

	contentType, body := multipartBody(t, map[string]string{
		"name":     "mypkg",
		"version":  "1.0",
		"filetype": "sdist",
	}, "content", "mypkg-1.0.tar.gz", "sdist")
	resp, respBody := s.do(t, "POST", "/artifacts/python/myindex/", contentType, body, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, "upload failed: %s", respBody)

	resp, respBody = s.do(t, "GET", "/artifacts/python/myindex/mypkg/", "", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.pypi.simple.v1+json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(respBody), "https://packages.example.com/artifacts/python/download/myindex/mypkg/")

	resp, respBody = s.do(t, "GET", "/artifacts/repositories/myindex/mypkg", "", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"repository":"myindex/mypkg","kind":"python"}`, string(respBody))

	resp, _ = s.do(t, "GET", "/artifacts/repositories/myindex/other", "", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerNpmLogin(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, "GET", "/artifacts/npm/-/ping", "", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, respBody := s.do(t, "PUT", "/artifacts/npm/-/user/org.couchdb.user:alice", "application/json", []byte(`{"name":"alice","password":"hunter2"}`), false)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "login failed: %s", respBody)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(respBody, &login))
	assert.NotEmpty(t, login.Token)

	result := s.services.Tokens.ValidateToken(context.Background(), login.Token, netip.MustParseAddr("127.0.0.1"))
	assert.True(t, result.Authenticated())
	assert.Equal(t, "alice", result.User)
}

func TestServerModelEvents(t *testing.T) {
	s := newTestServer(t)

	contentType, body := multipartBody(t, map[string]string{
		"metadata": `{"framework":"pytorch"}`,
	}, "file", "model.safetensors", "weights")
	resp, respBody := s.do(t, "PUT", "/artifacts/modelregistry/acme/classifier/1.0", contentType, body, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "publish failed: %s", respBody)
	var published struct {
		Digest string `json:"digest"`
	}
	require.NoError(t, json.Unmarshal(respBody, &published))

	var manifestPush, blobPush notifications.Event
	manifestPush.Action = notifications.EventActionPush
	manifestPush.Target.MediaType = ocispec.MediaTypeImageManifest
	manifestPush.Target.Digest = digest.Digest(published.Digest)
	manifestPush.Target.Repository = "acme/classifier"
	manifestPush.Target.Tag = "1.0"
	blobPush.Action = notifications.EventActionPush
	blobPush.Target.MediaType = "application/octet-stream"
	blobPush.Target.Digest = digest.FromString("weights")
	blobPush.Target.Repository = "acme/classifier"
	envelope, err := json.Marshal(notifications.Envelope{Events: []notifications.Event{blobPush, manifestPush}})
	require.NoError(t, err)

	req, err := http.NewRequest("POST", s.srv.URL+"/artifacts/events", bytes.NewReader(envelope))
	require.NoError(t, err)
	req.Header.Set("Content-Type", notifications.EventsMediaType)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = s.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest("POST", s.srv.URL+"/artifacts/events", bytes.NewReader(envelope))
	require.NoError(t, err)
	req.Header.Set("Content-Type", notifications.EventsMediaType)
	req.Header.Set("Authorization", "Bearer "+eventsToken)
	resp, err = s.srv.Client().Do(req)
	require.NoError(t, err)
	respBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"dispatched":1}`, string(respBody))

	resp, respBody = s.do(t, "POST", "/artifacts/modelregistry/acme/classifier/search", "application/json", []byte(`{"query":"$[?(@.framework == 'pytorch')]"}`), false)
	require.Equal(t, http.StatusOK, resp.StatusCode, "search failed: %s", respBody)
	var results struct {
		Results []struct {
			Version string `json:"version"`
			Digest  string `json:"digest"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(respBody, &results))
	require.Len(t, results.Results, 1)
	assert.Equal(t, "1.0", results.Results[0].Version)
	assert.Equal(t, published.Digest, results.Results[0].Digest)
}

func TestServerPluginsDisabled(t *testing.T) {
	s := newTestServer(t, "npm")
	assert.Equal(t, []string{"npm"}, s.services.Translators.Names())

	resp, _ := s.do(t, "GET", "/artifacts/npm/ping", "", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, "GET", "/artifacts/python/ping", "", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerMetrics(t *testing.T) {
	s := newTestServer(t)

	s.do(t, "GET", "/artifacts/npm/ping", "", nil, false)
	s.do(t, "GET", "/artifacts/python/myindex/mypkg/", "", nil, true)

	resp, body := s.do(t, "GET", "/metrics", "", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.True(t, strings.Contains(text, `plugin_requests_total{code="200",method="get",plugin="npm"}`), "missing request count in:\n%s", text)
	assert.True(t, strings.Contains(text, `authentication_count{kind="basic",success="true"}`), "missing authentication count in:\n%s", text)
}
