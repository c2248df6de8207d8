// Package npm translates the npm registry protocol into OCI artifacts.
//
// Each package version is one manifest, tagged with the version, whose
// config blob is the version's metadata document and whose only layer is
// the package tarball. Only scoped packages are supported, because the
// scope becomes the repository namespace.
package npm

import (
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

const (
	Name             = "npm"
	ArtifactType     = "application/vnd.npm.package+json"
	ConfigMediaType  = "application/vnd.npm.package.config.v1+json"
	TarballMediaType = "application/vnd.npm.package.tarball.v1.tar+gzip"

	maxConfigSize = 1 << 20
)

type Translator struct {
	publicURL *url.URL
	client    *ocidist.Client
	grants    artifacts.Grants
	publisher *artifacts.Publisher
	tokens    *Tokens
}

var _ artifacts.Translator = (*Translator)(nil)
var _ artifacts.Surface = (*Translator)(nil)

// New returns a translator that stores packages using the given client.
//
// Download URLs in package indexes are built from publicURL, which is the
// externally-visible base URL of this service.
func New(publicURL *url.URL, client *ocidist.Client, grants artifacts.Grants, tokens *Tokens) *Translator {
	return &Translator{
		publicURL: publicURL,
		client:    client,
		grants:    grants,
		publisher: &artifacts.Publisher{Client: client, Grants: grants},
		tokens:    tokens,
	}
}

func (t *Translator) Name() string {
	return Name
}

// ParsePackageName maps a scoped package name like "@acme/widget" to its
// repository.
func ParsePackageName(name string) (ocidist.Repository, error) {
	scoped, ok := strings.CutPrefix(name, "@")
	if !ok {
		return ocidist.Repository{}, artifacts.Malformed("package name %q must have the form @scope/name", name)
	}
	scope, pkg, ok := strings.Cut(scoped, "/")
	if !ok {
		return ocidist.Repository{}, artifacts.Malformed("package name %q must have the form @scope/name", name)
	}
	repo, err := ocidist.ParseRepository(scope, pkg)
	if err != nil {
		return ocidist.Repository{}, artifacts.Malformed("package name %q: %s", name, err)
	}
	return repo, nil
}

// PackageName is the inverse of [ParsePackageName].
func PackageName(repo ocidist.Repository) string {
	return "@" + repo.String()
}

type publishDocument struct {
	Name        string                     `json:"name"`
	Versions    map[string]json.RawMessage `json:"versions"`
	Attachments map[string]attachment      `json:"_attachments"`
}

type attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      *int64 `json:"length"`
}

// Publish stores the single version carried by an npm publish document.
func (t *Translator) Publish(ctx context.Context, req *artifacts.PublishRequest) (*artifacts.PublishResult, error) {
	result, err := t.publisher.Publish(ctx, req.Auth, func() (*artifacts.Publication, error) {
		return t.preparePublish(req)
	})
	if err != nil {
		return nil, err
	}
	result.Document = &artifacts.Document{Value: map[string]any{
		"ok":  "package published",
		"id":  PackageName(result.Repository),
		"rev": result.Digest.String(),
	}}
	return result, nil
}

func (t *Translator) preparePublish(req *artifacts.PublishRequest) (*artifacts.Publication, error) {
	var doc publishDocument
	if err := json.Unmarshal(req.Body, &doc); err != nil {
		return nil, artifacts.Malformed("invalid package document: %s", err)
	}
	if req.Package != "" && req.Package != doc.Name {
		return nil, artifacts.Malformed("package document is for %q, not %q", doc.Name, req.Package)
	}
	repo, err := ParsePackageName(doc.Name)
	if err != nil {
		return nil, err
	}

	if len(doc.Versions) != 1 {
		return nil, artifacts.Malformed("package document must contain exactly one version, not %d", len(doc.Versions))
	}
	var version string
	var rawMeta json.RawMessage
	for version, rawMeta = range doc.Versions {
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return nil, artifacts.Malformed("invalid version %q: %s", version, err)
	}
	tag, err := ocidist.TagForVersion(version)
	if err != nil {
		return nil, artifacts.Malformed("%s", err)
	}

	if len(doc.Attachments) != 1 {
		return nil, artifacts.Malformed("package document must contain exactly one attachment, not %d", len(doc.Attachments))
	}
	var filename string
	var att attachment
	for filename, att = range doc.Attachments {
	}
	tarball, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, artifacts.Malformed("attachment %q is not valid base64: %s", filename, err)
	}
	if len(tarball) == 0 {
		return nil, artifacts.Malformed("attachment %q is empty", filename)
	}
	if att.Length != nil && *att.Length != int64(len(tarball)) {
		return nil, artifacts.Malformed("attachment %q is %d bytes, but its length is given as %d", filename, len(tarball), *att.Length)
	}

	var meta map[string]any
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta == nil {
		return nil, artifacts.Malformed("metadata for version %s must be a JSON object", version)
	}
	if v, ok := meta["version"].(string); ok && v != version {
		return nil, artifacts.Malformed("metadata for version %s claims to be version %s", version, v)
	}
	if n, ok := meta["name"].(string); ok && n != doc.Name {
		return nil, artifacts.Malformed("metadata for version %s claims to be for package %s", version, n)
	}
	meta["name"] = doc.Name
	meta["version"] = version
	if err := completeDist(meta, tarball); err != nil {
		return nil, err
	}
	config, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version metadata: %w", err)
	}

	configDesc := ocidist.NewLayer(ConfigMediaType, config, nil)
	layer := ocidist.NewLayer(TarballMediaType, tarball, map[string]string{
		ocispec.AnnotationTitle: filename,
	})
	return &artifacts.Publication{
		Repository: repo,
		Tag:        tag,
		Blobs: []artifacts.Blob{
			artifacts.BlobFor(configDesc, config),
			artifacts.BlobFor(layer, tarball),
		},
		Build: func(*ocidist.Manifest) (*ocidist.Manifest, error) {
			m := ocidist.NewManifest(ArtifactType, &configDesc, layer)
			m.Annotations = map[string]string{
				ocispec.AnnotationVersion: version,
			}
			return m, nil
		},
	}, nil
}

// completeDist checks the tarball against any checksums given in the
// version metadata's "dist" object, and fills in those that are missing.
func completeDist(meta map[string]any, tarball []byte) error {
	dist, _ := meta["dist"].(map[string]any)
	if dist == nil {
		dist = make(map[string]any)
	}

	sha1Sum := sha1.Sum(tarball)
	shasum := hex.EncodeToString(sha1Sum[:])
	sha512Sum := sha512.Sum512(tarball)
	integrity := "sha512-" + base64.StdEncoding.EncodeToString(sha512Sum[:])

	if given, ok := dist["shasum"].(string); ok && given != shasum {
		return artifacts.Malformed("tarball does not match its shasum")
	}
	if given, ok := dist["integrity"].(string); ok && strings.HasPrefix(given, "sha512-") && given != integrity {
		return artifacts.Malformed("tarball does not match its integrity")
	}
	dist["shasum"] = shasum
	dist["integrity"] = integrity
	meta["dist"] = dist
	return nil
}

// FetchIndex returns the package document listing every published version.
func (t *Translator) FetchIndex(ctx context.Context, req *artifacts.IndexRequest) (*artifacts.Document, error) {
	repo, err := ParsePackageName(req.Package)
	if err != nil {
		return nil, err
	}
	token, err := t.grants.ForRead(req.Auth, repo)
	if err != nil {
		return nil, err
	}

	type packageVersion struct {
		version string
		meta    map[string]any
	}
	versions, err := artifacts.Versions(ctx, t.client, repo, token, ArtifactType, func(ctx context.Context, tm *artifacts.TaggedManifest) (packageVersion, error) {
		src, err := t.client.ReadBlob(ctx, repo, tm.Manifest.Config.Digest, token, maxConfigSize)
		if err != nil {
			return packageVersion{}, err
		}
		var meta map[string]any
		if err := json.Unmarshal(src, &meta); err != nil || meta == nil {
			return packageVersion{}, fmt.Errorf("invalid metadata for tag %s", tm.Tag)
		}
		version := tm.Manifest.Annotations[ocispec.AnnotationVersion]
		if version == "" {
			version = tm.Tag.String()
		}
		dist, _ := meta["dist"].(map[string]any)
		if dist == nil {
			dist = make(map[string]any)
		}
		dist["tarball"] = t.tarballURL(repo, version)
		meta["dist"] = dist
		return packageVersion{version: version, meta: meta}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("package %s: %w", req.Package, ocidist.ErrNotFound)
	}

	versionMap := make(map[string]any, len(versions))
	names := make([]string, 0, len(versions))
	for _, v := range versions {
		versionMap[v.version] = v.meta
		names = append(names, v.version)
	}
	name := PackageName(repo)
	return &artifacts.Document{Value: map[string]any{
		"_id":       name,
		"name":      name,
		"dist-tags": map[string]string{"latest": latestVersion(names)},
		"versions":  versionMap,
	}}, nil
}

func (t *Translator) tarballURL(repo ocidist.Repository, version string) string {
	return t.publicURL.JoinPath("artifacts", Name, "download", repo.Namespace.String(), repo.Name.String(), version).String()
}

// latestVersion chooses the highest stable version, or the highest
// prerelease if there are no stable versions.
func latestVersion(versions []string) string {
	var latest, latestPre *semver.Version
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if v.Prerelease() == "" {
			if latest == nil || v.GreaterThan(latest) {
				latest = v
			}
		} else if latestPre == nil || v.GreaterThan(latestPre) {
			latestPre = v
		}
	}
	switch {
	case latest != nil:
		return latest.Original()
	case latestPre != nil:
		return latestPre.Original()
	default:
		return versions[len(versions)-1]
	}
}

// FetchArtifact returns the tarball of one package version. Namespace and
// Package are the scope and name without the "@", and Reference is the
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
		return nil, fmt.Errorf("%s version %s is not an npm package: %w", PackageName(repo), req.Reference, ocidist.ErrNotFound)
	}
	for _, layer := range m.Layers {
		if layer.MediaType != TarballMediaType {
			continue
		}
		body, size, err := t.client.GetBlob(ctx, repo, layer.Digest, token)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			size = layer.Size
		}
		return &artifacts.Artifact{
			MediaType: "application/octet-stream",
			Filename:  tarballFilename(repo, req.Reference, layer.Annotations[ocispec.AnnotationTitle]),
			Size:      size,
			Digest:    layer.Digest,
			Body:      body,
		}, nil
	}
	return nil, fmt.Errorf("%s version %s has no tarball: %w", PackageName(repo), req.Reference, ocidist.ErrNotFound)
}

func tarballFilename(repo ocidist.Repository, version, title string) string {
	if title != "" {
		if i := strings.LastIndexByte(title, '/'); i >= 0 {
			return title[i+1:]
		}
		return title
	}
	return repo.Name.String() + "-" + version + ".tgz"
}
