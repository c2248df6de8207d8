// Package ocidisttest provides an in-memory OCI distribution registry for
// testing code that talks to a registry through [ocidist.Client].
package ocidisttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// Op identifies one kind of request the registry handles, for counting.
type Op string

const (
	OpBlobHead     Op = "HEAD blob"
	OpBlobGet      Op = "GET blob"
	OpUploadStart  Op = "POST upload"
	OpUploadFinish Op = "PUT upload"
	OpManifestGet  Op = "GET manifest"
	OpManifestPut  Op = "PUT manifest"
	OpTagsList     Op = "GET tags"
)

// Registry is an in-memory OCI distribution registry.
//
// Every request must carry a bearer token. If a validator is configured
// using [Registry.AuthorizeWith] then the token must also authorize the
// action the request implies.
type Registry struct {
	mu        sync.Mutex
	blobs     map[string][]byte          // repo@digest -> content
	uploads   map[string]string          // upload id -> repo
	manifests map[string][]byte          // repo@digest -> manifest
	tags      map[string]map[string]string // repo -> tag -> digest
	calls     map[Op]int
	grants    ocidist.GrantValidator
}

var _ http.Handler = (*Registry)(nil)

func New() *Registry {
	return &Registry{
		blobs:     make(map[string][]byte),
		uploads:   make(map[string]string),
		manifests: make(map[string][]byte),
		tags:      make(map[string]map[string]string),
		calls:     make(map[Op]int),
	}
}

// AuthorizeWith makes the registry check each request's bearer token using
// the given validator.
func (r *Registry) AuthorizeWith(grants ocidist.GrantValidator) {
	r.mu.Lock()
	r.grants = grants
	r.mu.Unlock()
}

// Calls returns how many requests of the given kind the registry has
// handled so far, including rejected ones.
func (r *Registry) Calls(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// TotalCalls returns how many requests the registry has handled so far.
func (r *Registry) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

// Blob returns the content of the given blob in the given repository.
func (r *Registry) Blob(repo string, d digest.Digest) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.blobs[repo+"@"+d.String()]
	return data, ok
}

// PutBlob stores a blob directly, bypassing the upload protocol.
func (r *Registry) PutBlob(repo string, data []byte) digest.Digest {
	d := digest.FromBytes(data)
	r.mu.Lock()
	r.blobs[repo+"@"+d.String()] = data
	r.mu.Unlock()
	return d
}

// Manifest returns the raw manifest the given tag currently refers to.
func (r *Registry) Manifest(repo, tag string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tags[repo][tag]
	if !ok {
		return nil, false
	}
	return r.manifests[repo+"@"+d], true
}

// PutManifest stores a manifest directly, bypassing the manifest API, and
// returns its digest.
func (r *Registry) PutManifest(repo, tag string, src []byte) digest.Digest {
	d := digest.FromBytes(src)
	r.mu.Lock()
	r.storeManifest(repo, tag, d, src)
	r.mu.Unlock()
	return d
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	if path == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var repo, rest string
	for _, sep := range []string{"/blobs/", "/manifests/", "/tags/"} {
		if i := strings.Index(path, sep); i > 0 {
			repo, rest = path[:i], path[i+1:]
			break
		}
	}
	if repo == "" {
		writeError(w, http.StatusNotFound, errcode.ErrorCodeNameUnknown, "unknown path")
		return
	}

	switch {
	case rest == "blobs/uploads/" && req.Method == http.MethodPost:
		r.handle(w, req, OpUploadStart, repo, ocidist.ActionPush, r.startUpload)
	case strings.HasPrefix(rest, "blobs/uploads/") && req.Method == http.MethodPut:
		r.handle(w, req, OpUploadFinish, repo, ocidist.ActionPush, r.finishUpload)
	case strings.HasPrefix(rest, "blobs/") && req.Method == http.MethodHead:
		r.handle(w, req, OpBlobHead, repo, ocidist.ActionPull, r.headBlob)
	case strings.HasPrefix(rest, "blobs/") && req.Method == http.MethodGet:
		r.handle(w, req, OpBlobGet, repo, ocidist.ActionPull, r.getBlob)
	case strings.HasPrefix(rest, "manifests/") && req.Method == http.MethodGet:
		r.handle(w, req, OpManifestGet, repo, ocidist.ActionPull, r.getManifest)
	case strings.HasPrefix(rest, "manifests/") && req.Method == http.MethodPut:
		r.handle(w, req, OpManifestPut, repo, ocidist.ActionPush, r.putManifest)
	case rest == "tags/list" && req.Method == http.MethodGet:
		r.handle(w, req, OpTagsList, repo, ocidist.ActionPull, r.listTags)
	default:
		writeError(w, http.StatusMethodNotAllowed, errcode.ErrorCodeUnsupported, "unsupported operation")
	}
}

func (r *Registry) handle(w http.ResponseWriter, req *http.Request, op Op, repo, action string, fn func(http.ResponseWriter, *http.Request, string)) {
	r.mu.Lock()
	r.calls[op]++
	grants := r.grants
	r.mu.Unlock()

	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, errcode.ErrorCodeUnauthorized, "bearer token required")
		return
	}
	if grants != nil {
		namespace, name, _ := strings.Cut(repo, "/")
		if err := grants.ValidateGrant(token, namespace, name, action); err != nil {
			writeError(w, http.StatusUnauthorized, errcode.ErrorCodeUnauthorized, err.Error())
			return
		}
	}
	fn(w, req, repo)
}

func (r *Registry) startUpload(w http.ResponseWriter, req *http.Request, repo string) {
	id := uuid.NewString()
	r.mu.Lock()
	r.uploads[id] = repo
	r.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s?_state=%s", repo, id, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) finishUpload(w http.ResponseWriter, req *http.Request, repo string) {
	id := req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]
	if req.URL.Query().Get("_state") != id {
		writeError(w, http.StatusBadRequest, errcode.ErrorCodeBlobUploadInvalid, "upload state lost")
		return
	}
	r.mu.Lock()
	uploadRepo, ok := r.uploads[id]
	delete(r.uploads, id)
	r.mu.Unlock()
	if !ok || uploadRepo != repo {
		writeError(w, http.StatusNotFound, errcode.ErrorCodeBlobUploadUnknown, "unknown upload")
		return
	}

	want, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errcode.ErrorCodeDigestInvalid, "digest required")
		return
	}
	content, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errcode.ErrorCodeBlobUploadInvalid, err.Error())
		return
	}
	if got := digest.FromBytes(content); got != want {
		writeError(w, http.StatusBadRequest, errcode.ErrorCodeDigestInvalid, "digest does not match content")
		return
	}

	r.mu.Lock()
	r.blobs[repo+"@"+want.String()] = content
	r.mu.Unlock()

	w.Header().Set("Docker-Content-Digest", want.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, want))
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) headBlob(w http.ResponseWriter, req *http.Request, repo string) {
	d := strings.TrimPrefix(req.URL.Path, "/v2/"+repo+"/blobs/")
	r.mu.Lock()
	content, ok := r.blobs[repo+"@"+d]
	r.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.Header().Set("Docker-Content-Digest", d)
	w.WriteHeader(http.StatusOK)
}

func (r *Registry) getBlob(w http.ResponseWriter, req *http.Request, repo string) {
	d := strings.TrimPrefix(req.URL.Path, "/v2/"+repo+"/blobs/")
	r.mu.Lock()
	content, ok := r.blobs[repo+"@"+d]
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errcode.ErrorCodeBlobUnknown, "blob unknown to registry")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.Header().Set("Docker-Content-Digest", d)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (r *Registry) getManifest(w http.ResponseWriter, req *http.Request, repo string) {
	ref := strings.TrimPrefix(req.URL.Path, "/v2/"+repo+"/manifests/")
	r.mu.Lock()
	d := ref
	if _, err := digest.Parse(ref); err != nil {
		d = r.tags[repo][ref]
	}
	src, ok := r.manifests[repo+"@"+d]
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errcode.ErrorCodeManifestUnknown, "manifest unknown")
		return
	}
	w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
	w.Header().Set("Docker-Content-Digest", d)
	w.WriteHeader(http.StatusOK)
	w.Write(src)
}

func (r *Registry) putManifest(w http.ResponseWriter, req *http.Request, repo string) {
	tag := strings.TrimPrefix(req.URL.Path, "/v2/"+repo+"/manifests/")
	if req.Header.Get("Content-Type") != ocispec.MediaTypeImageManifest {
		writeError(w, http.StatusBadRequest, errcode.ErrorCodeManifestInvalid, "unsupported content type")
		return
	}
	src, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errcode.ErrorCodeManifestInvalid, err.Error())
		return
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(src, &m); err != nil {
		writeError(w, http.StatusBadRequest, errcode.ErrorCodeManifestInvalid, "invalid JSON")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range append([]ocispec.Descriptor{m.Config}, m.Layers...) {
		if _, ok := r.blobs[repo+"@"+desc.Digest.String()]; !ok {
			writeError(w, http.StatusBadRequest, errcode.ErrorCodeManifestBlobUnknown, "blob unknown: "+desc.Digest.String())
			return
		}
	}
	d := digest.FromBytes(src)
	r.storeManifest(repo, tag, d, src)

	w.Header().Set("Docker-Content-Digest", d.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, d))
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) listTags(w http.ResponseWriter, req *http.Request, repo string) {
	r.mu.Lock()
	repoTags, ok := r.tags[repo]
	tags := make([]string, 0, len(repoTags))
	for tag := range repoTags {
		tags = append(tags, tag)
	}
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errcode.ErrorCodeNameUnknown, "repository name not known to registry")
		return
	}
	sort.Strings(tags)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name": repo,
		"tags": tags,
	})
}

// storeManifest must be called with r.mu held.
func (r *Registry) storeManifest(repo, tag string, d digest.Digest, src []byte) {
	r.manifests[repo+"@"+d.String()] = src
	if r.tags[repo] == nil {
		r.tags[repo] = make(map[string]string)
	}
	r.tags[repo][tag] = d.String()
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Errors errcode.Errors `json:"errors"`
	}{
		Errors: errcode.Errors{{Code: code, Message: message}},
	})
}
