// Package python translates a PyPI-like upload and simple index protocol
// into OCI artifacts.
//
// The index name is the repository namespace and the normalized project
// name is the repository name. Each release version is one tag, and each
// distribution file uploaded for that version is one layer of its
// manifest, identified by its filename annotation.
package python

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

const (
	Name            = "python"
	ArtifactType    = "application/vnd.python.package.v1+json"
	WheelMediaType  = "application/vnd.python.wheel.v1+zip"
	SdistMediaType  = "application/vnd.python.sdist.v1.tar+gzip"
	IndexMediaType  = "application/vnd.pypi.simple.v1+json"
	indexAPIVersion = "1.1"
)

// Layer annotations describing each distribution file.
const (
	AnnotationFilename       = "filename"
	AnnotationFiletype       = "filetype"
	AnnotationVersion        = "version"
	AnnotationRequiresPython = "requires-python"
	AnnotationPyVersion      = "pyversion"
)

var fileMediaTypes = map[string]string{
	"bdist_wheel": WheelMediaType,
	"sdist":       SdistMediaType,
}

type Translator struct {
	publicURL *url.URL
	client    *ocidist.Client
	grants    artifacts.Grants
	publisher *artifacts.Publisher
}

var _ artifacts.Translator = (*Translator)(nil)
var _ artifacts.Surface = (*Translator)(nil)

func New(publicURL *url.URL, client *ocidist.Client, grants artifacts.Grants) *Translator {
	return &Translator{
		publicURL: publicURL,
		client:    client,
		grants:    grants,
		publisher: &artifacts.Publisher{Client: client, Grants: grants},
	}
}

func (t *Translator) Name() string {
	return Name
}

var nameSeparatorRe = regexp.MustCompile(`[-_.]+`)

// NormalizeName normalizes a project name as described in PEP 503.
func NormalizeName(name string) string {
	return strings.ToLower(nameSeparatorRe.ReplaceAllString(name, "-"))
}

// ParseRepository maps an index name and a project name to a repository.
func ParseRepository(index, project string) (ocidist.Repository, error) {
	repo, err := ocidist.ParseRepository(index, NormalizeName(project))
	if err != nil {
		return ocidist.Repository{}, artifacts.Malformed("%s", err)
	}
	return repo, nil
}

// Publish stores one distribution file uploaded as a multipart form, adding
// it to any files already published for the same version. A file with the
// same name as an existing one replaces it.
func (t *Translator) Publish(ctx context.Context, req *artifacts.PublishRequest) (*artifacts.PublishResult, error) {
	result, err := t.publisher.Publish(ctx, req.Auth, func() (*artifacts.Publication, error) {
		return t.preparePublish(req)
	})
	if err != nil {
		return nil, err
	}
	result.Document = &artifacts.Document{Value: map[string]string{"ok": "package published"}}
	return result, nil
}

func (t *Translator) preparePublish(req *artifacts.PublishRequest) (*artifacts.Publication, error) {
	form, err := artifacts.ParseForm(req.ContentType, req.Body)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"name", "version", "filetype"} {
		if form.Value(field) == "" {
			return nil, artifacts.Malformed("missing required field %q", field)
		}
	}
	files := form.Files("content")
	if len(files) != 1 {
		return nil, artifacts.Malformed("upload must include exactly one content file")
	}
	content := files[0]
	if strings.ContainsAny(content.Filename, `/\`) {
		return nil, artifacts.Malformed("invalid filename %q", content.Filename)
	}
	if len(content.Data) == 0 {
		return nil, artifacts.Malformed("content file %q is empty", content.Filename)
	}

	repo, err := ParseRepository(req.Namespace, form.Value("name"))
	if err != nil {
		return nil, err
	}
	version := form.Value("version")
	tag, err := ocidist.TagForVersion(version)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}
	filetype := form.Value("filetype")
	mediaType, ok := fileMediaTypes[filetype]
	if !ok {
		return nil, artifacts.Malformed("unsupported filetype %q", filetype)
	}

	d := ocidist.ComputeDigest(content.Data)
	if given := form.Value("sha256_digest"); given != "" && !strings.EqualFold(given, d.Encoded()) {
		return nil, artifacts.Malformed("content does not match sha256_digest")
	}

	annotations := map[string]string{
		AnnotationFilename: content.Filename,
		AnnotationFiletype: filetype,
		AnnotationVersion:  version,
	}
	if v := form.Value("requires_python"); v != "" {
		annotations[AnnotationRequiresPython] = v
	}
	if v := form.Value("pyversion"); v != "" {
		annotations[AnnotationPyVersion] = v
	}
	layer := ocidist.NewLayer(mediaType, content.Data, annotations)

	return &artifacts.Publication{
		Repository: repo,
		Tag:        tag,
		Blobs:      []artifacts.Blob{artifacts.BlobFor(layer, content.Data)},
		Merge:      true,
		Build: func(existing *ocidist.Manifest) (*ocidist.Manifest, error) {
			if existing == nil || existing.ArtifactType != ArtifactType {
				m := ocidist.NewManifest(ArtifactType, nil, layer)
				m.Annotations = map[string]string{ocispec.AnnotationVersion: version}
				return m, nil
			}
			existing.ReplaceOrAppendLayer(layer, AnnotationFilename)
			return existing, nil
		},
	}, nil
}

// File is one entry of the files list in a project's index.
type File struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython *string           `json:"requires-python"`
	Size           int64             `json:"size"`
}

// Project is a project's index in the JSON simple API format of PEP 691.
type Project struct {
	Meta     ProjectMeta `json:"meta"`
	Name     string      `json:"name"`
	Versions []string    `json:"versions"`
	Files    []File      `json:"files"`
}

type ProjectMeta struct {
	APIVersion string `json:"api-version"`
}

// FetchIndex returns the project's index, listing every file of every
// version.
func (t *Translator) FetchIndex(ctx context.Context, req *artifacts.IndexRequest) (*artifacts.Document, error) {
	repo, err := ParseRepository(req.Namespace, req.Package)
	if err != nil {
		return nil, err
	}
	token, err := t.grants.ForRead(req.Auth, repo)
	if err != nil {
		return nil, err
	}

	type release struct {
		version string
		files   []File
	}
	releases, err := artifacts.Versions(ctx, t.client, repo, token, ArtifactType, func(ctx context.Context, tm *artifacts.TaggedManifest) (release, error) {
		version := tm.Manifest.Annotations[ocispec.AnnotationVersion]
		if version == "" {
			version = tm.Tag.String()
		}
		ret := release{version: version}
		for _, layer := range tm.Manifest.Layers {
			filename := layer.Annotations[AnnotationFilename]
			if filename == "" {
				continue
			}
			file := File{
				Filename: filename,
				URL:      t.downloadURL(repo, layer, filename),
				Hashes:   map[string]string{"sha256": layer.Digest.Encoded()},
				Size:     layer.Size,
			}
			if v, ok := layer.Annotations[AnnotationRequiresPython]; ok {
				file.RequiresPython = &v
			}
			ret.files = append(ret.files, file)
		}
		return ret, nil
	})
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("project %s: %w", repo, ocidist.ErrNotFound)
	}

	project := &Project{
		Meta:     ProjectMeta{APIVersion: indexAPIVersion},
		Name:     repo.Name.String(),
		Versions: make([]string, 0, len(releases)),
		Files:    []File{},
	}
	for _, r := range releases {
		project.Versions = append(project.Versions, r.version)
		project.Files = append(project.Files, r.files...)
	}
	return &artifacts.Document{ContentType: IndexMediaType, Value: project}, nil
}

func (t *Translator) downloadURL(repo ocidist.Repository, layer ocispec.Descriptor, filename string) string {
	return t.publicURL.JoinPath("artifacts", Name, "download", repo.Namespace.String(), repo.Name.String(), layer.Digest.String(), filename).String()
}

// FetchArtifact returns a distribution file by its digest. Namespace is
// the index name and Package the project name.
func (t *Translator) FetchArtifact(ctx context.Context, req *artifacts.ArtifactRequest) (*artifacts.Artifact, error) {
	repo, err := ParseRepository(req.Namespace, req.Package)
	if err != nil {
		return nil, err
	}
	d, err := ocidist.ParseDigest(req.Reference)
	if err != nil {
		return nil, artifacts.Malformed("invalid digest %q: %s", req.Reference, err)
	}
	token, err := t.grants.ForRead(req.Auth, repo)
	if err != nil {
		return nil, err
	}
	body, size, err := t.client.GetBlob(ctx, repo, d, token)
	if err != nil {
		return nil, err
	}
	return &artifacts.Artifact{
		MediaType: "application/octet-stream",
		Filename:  req.Filename,
		Size:      size,
		Digest:    d,
		Body:      body,
	}, nil
}
