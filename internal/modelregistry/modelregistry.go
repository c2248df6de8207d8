// Package modelregistry stores machine learning models, with arbitrary
// JSON metadata, as OCI artifacts.
//
// Each model version is one manifest whose config blob is the version's
// metadata and whose layers are the model's files, each titled with its
// filename. Metadata is also extracted into a [MetadataStore] whenever a
// model manifest is pushed, so that it can be searched.
package modelregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ohler55/ojg/oj"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

const (
	Name            = "modelregistry"
	ArtifactType    = "application/vnd.modelregistry.model.v1+json"
	ConfigMediaType = "application/vnd.modelregistry.model.config.v1+json"

	maxMetadataSize = 1 << 20
)

// Grants issues grant tokens, including the service grants used to read
// manifests pushed by other clients.
type Grants interface {
	artifacts.Grants
	ForService(repo ocidist.Repository) (string, error)
}

type Translator struct {
	publicURL *url.URL
	client    *ocidist.Client
	grants    Grants
	publisher *artifacts.Publisher
	metadata  MetadataStore
}

var _ artifacts.Translator = (*Translator)(nil)
var _ artifacts.Surface = (*Translator)(nil)
var _ artifacts.EventSubscriber = (*Translator)(nil)

func New(publicURL *url.URL, client *ocidist.Client, grants Grants, metadata MetadataStore) *Translator {
	return &Translator{
		publicURL: publicURL,
		client:    client,
		grants:    grants,
		publisher: &artifacts.Publisher{Client: client, Grants: grants},
		metadata:  metadata,
	}
}

func (t *Translator) Name() string {
	return Name
}

// Publish stores a model version from a multipart form with an optional
// "metadata" field holding a JSON object and one or more "file" parts.
//
// Publishing to a version that already exists adds the new files to it,
// replacing any with the same name. The version's metadata is replaced only
// if the form includes some.
func (t *Translator) Publish(ctx context.Context, req *artifacts.PublishRequest) (*artifacts.PublishResult, error) {
	result, err := t.publisher.Publish(ctx, req.Auth, func() (*artifacts.Publication, error) {
		return t.preparePublish(req)
	})
	if err != nil {
		return nil, err
	}
	result.Document = &artifacts.Document{Value: map[string]string{
		"ok":      "model published",
		"version": req.Version,
		"digest":  result.Digest.String(),
	}}
	return result, nil
}

func (t *Translator) preparePublish(req *artifacts.PublishRequest) (*artifacts.Publication, error) {
	repo, err := ocidist.ParseRepository(req.Namespace, req.Package)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	tag, err := ocidist.TagForVersion(req.Version)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	form, err := artifacts.ParseForm(req.ContentType, req.Body)
	if err != nil {
		return nil, err
	}

	var blobs []artifacts.Blob
	var config *ocispec.Descriptor
	if raw, ok := formMetadata(form); ok {
		doc, err := oj.Parse(raw)
		if err != nil {
			return nil, artifacts.Malformed("metadata is not valid JSON: %s", err)
		}
		if _, ok := doc.(map[string]any); !ok {
			return nil, artifacts.Malformed("metadata must be a JSON object")
		}
		desc := ocidist.NewLayer(ConfigMediaType, raw, nil)
		config = &desc
		blobs = append(blobs, artifacts.BlobFor(desc, raw))
	}

	files := form.Files("file")
	if len(files) == 0 {
		return nil, artifacts.Malformed("upload must include at least one file")
	}
	seen := make(map[string]struct{}, len(files))
	layers := make([]ocispec.Descriptor, 0, len(files))
	for _, f := range files {
		if strings.ContainsAny(f.Filename, `/\`) {
			return nil, artifacts.Malformed("invalid filename %q", f.Filename)
		}
		if _, dup := seen[f.Filename]; dup {
			return nil, artifacts.Malformed("file %q uploaded more than once", f.Filename)
		}
		seen[f.Filename] = struct{}{}
		if len(f.Data) == 0 {
			return nil, artifacts.Malformed("file %q is empty", f.Filename)
		}
		mediaType := f.ContentType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		layer := ocidist.NewLayer(mediaType, f.Data, map[string]string{ocispec.AnnotationTitle: f.Filename})
		layers = append(layers, layer)
		blobs = append(blobs, artifacts.BlobFor(layer, f.Data))
	}

	version := req.Version
	return &artifacts.Publication{
		Repository: repo,
		Tag:        tag,
		Blobs:      blobs,
		Merge:      true,
		Build: func(existing *ocidist.Manifest) (*ocidist.Manifest, error) {
			if existing == nil || existing.ArtifactType != ArtifactType {
				m := ocidist.NewManifest(ArtifactType, config, layers...)
				m.Annotations = map[string]string{ocispec.AnnotationVersion: version}
				return m, nil
			}
			if config != nil {
				existing.Config = *config
			}
			for _, layer := range layers {
				existing.ReplaceOrAppendLayer(layer, ocispec.AnnotationTitle)
			}
			return existing, nil
		},
	}, nil
}

// formMetadata returns the metadata field of a form, whether it was sent
// as a plain value or as a file.
func formMetadata(form *artifacts.Form) ([]byte, bool) {
	if form.Has("metadata") {
		return []byte(form.Value("metadata")), true
	}
	if files := form.Files("metadata"); len(files) > 0 {
		return files[0].Data, true
	}
	return nil, false
}

// File describes one file of a model version.
type File struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
}

// Version describes one model version.
type Version struct {
	Version  string          `json:"version"`
	Digest   string          `json:"digest"`
	Metadata json.RawMessage `json:"metadata"`
	Files    []File          `json:"files"`
}

// Model is the index of every version of a model.
type Model struct {
	Name     string    `json:"name"`
	Versions []Version `json:"versions"`
}

// FetchIndex lists every version of a model with its metadata and files.
func (t *Translator) FetchIndex(ctx context.Context, req *artifacts.IndexRequest) (*artifacts.Document, error) {
	repo, err := ocidist.ParseRepository(req.Namespace, req.Package)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	token, err := t.grants.ForRead(req.Auth, repo)
	if err != nil {
		return nil, err
	}

	versions, err := artifacts.Versions(ctx, t.client, repo, token, ArtifactType, func(ctx context.Context, tm *artifacts.TaggedManifest) (Version, error) {
		v := Version{
			Version:  versionOf(tm),
			Digest:   tm.Digest.String(),
			Metadata: json.RawMessage("null"),
			Files:    make([]File, 0, len(tm.Manifest.Layers)),
		}
		if !tm.Manifest.HasEmptyConfig() {
			src, err := t.client.ReadBlob(ctx, repo, tm.Manifest.Config.Digest, token, maxMetadataSize)
			if err != nil {
				return Version{}, err
			}
			if _, err := oj.Parse(src); err != nil {
				logging.ContextLogger(ctx).WithField("tag", tm.Tag).WithError(err).Warn("model metadata is not valid JSON")
			} else {
				v.Metadata = src
			}
		}
		for _, layer := range tm.Manifest.Layers {
			filename := layer.Annotations[ocispec.AnnotationTitle]
			if filename == "" {
				continue
			}
			v.Files = append(v.Files, File{
				Filename:  filename,
				MediaType: layer.MediaType,
				Digest:    layer.Digest.String(),
				Size:      layer.Size,
				URL:       t.downloadURL(repo, v.Version, filename),
			})
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("model %s: %w", repo, ocidist.ErrNotFound)
	}
	return &artifacts.Document{Value: &Model{Name: repo.String(), Versions: versions}}, nil
}

func versionOf(tm *artifacts.TaggedManifest) string {
	if v := tm.Manifest.Annotations[ocispec.AnnotationVersion]; v != "" {
		return v
	}
	return tm.Tag.String()
}

func (t *Translator) downloadURL(repo ocidist.Repository, version, filename string) string {
	return t.publicURL.JoinPath("artifacts", Name, "download", repo.Namespace.String(), repo.Name.String(), version, filename).String()
}

// FetchArtifact returns one file of a model version. Reference is the
// version.
func (t *Translator) FetchArtifact(ctx context.Context, req *artifacts.ArtifactRequest) (*artifacts.Artifact, error) {
	repo, err := ocidist.ParseRepository(req.Namespace, req.Package)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	tag, err := ocidist.TagForVersion(req.Reference)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	token, err := t.grants.ForRead(req.Auth, repo)
	if err != nil {
		return nil, err
	}

	m, _, err := t.client.GetManifest(ctx, repo, tag.String(), token)
	if err != nil {
		return nil, err
	}
	if m.ArtifactType != ArtifactType {
		return nil, fmt.Errorf("%s version %s is not a model: %w", repo, req.Reference, ocidist.ErrNotFound)
	}
	layer, ok := m.FindLayer(ocispec.AnnotationTitle, req.Filename)
	if !ok {
		return nil, fmt.Errorf("%s version %s has no file %q: %w", repo, req.Reference, req.Filename, ocidist.ErrNotFound)
	}
	body, size, err := t.client.GetBlob(ctx, repo, layer.Digest, token)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		size = layer.Size
	}
	return &artifacts.Artifact{
		MediaType: layer.MediaType,
		Filename:  req.Filename,
		Size:      size,
		Digest:    layer.Digest,
		Body:      body,
	}, nil
}

type SearchRequest struct {
	Auth      auth.Result
	Namespace string
	Package   string
	Query     string
}

// SearchResult is one model version whose metadata matched a search.
type SearchResult struct {
	Version  string          `json:"version"`
	Digest   string          `json:"digest"`
	Metadata json.RawMessage `json:"metadata"`
}

// Search returns the versions of a model whose extracted metadata matches a
// JSON path query, in tag order. Metadata records for manifests that are no
// longer tagged are not returned.
func (t *Translator) Search(ctx context.Context, req *SearchRequest) ([]SearchResult, error) {
	repo, err := ocidist.ParseRepository(req.Namespace, req.Package)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, artifacts.Malformed("query is required")
	}
	token, err := t.grants.ForRead(req.Auth, repo)
	if err != nil {
		return nil, err
	}

	records, err := t.metadata.SearchMetadata(ctx, repo, req.Query)
	if err != nil {
		return nil, err
	}
	byDigest := make(map[string]Record, len(records))
	for _, rec := range records {
		byDigest[rec.Digest.String()] = rec
	}

	tagged, err := artifacts.Versions(ctx, t.client, repo, token, ArtifactType, func(ctx context.Context, tm *artifacts.TaggedManifest) (SearchResult, error) {
		return SearchResult{Version: versionOf(tm), Digest: tm.Digest.String()}, nil
	})
	if err != nil {
		return nil, err
	}
	ret := make([]SearchResult, 0, len(records))
	for _, r := range tagged {
		rec, ok := byDigest[r.Digest]
		if !ok {
			continue
		}
		r.Metadata = rec.Metadata
		ret = append(ret, r)
	}
	return ret, nil
}
