// Package artifacts defines what a package-protocol translator is, and
// holds the machinery every translator shares: the publish sequence, index
// reconstruction, the event notifier, and the mapping from errors to HTTP
// responses.
package artifacts

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// Translator maps one foreign package protocol onto OCI artifacts.
type Translator interface {
	// Name is the protocol name, which is also recorded as the kind of every
	// repository the translator publishes to.
	Name() string

	// Publish stores one package version, or one file of a package version,
	// given the protocol's own upload payload.
	Publish(ctx context.Context, req *PublishRequest) (*PublishResult, error)

	// FetchIndex rebuilds the protocol's index document for one package
	// from the tags and manifests currently in the registry.
	FetchIndex(ctx context.Context, req *IndexRequest) (*Document, error)

	// FetchArtifact returns the content of one file of one package version.
	// The caller must close the result's Body.
	FetchArtifact(ctx context.Context, req *ArtifactRequest) (*Artifact, error)
}

// PublishRequest is a protocol upload payload along with whatever the
// protocol carries in the request path.
type PublishRequest struct {
	Auth auth.Result

	// Namespace and Package come from the request path. Their meaning is
	// protocol-specific; npm ignores Namespace because its package names
	// carry their own scope.
	Namespace string
	Package   string
	Version   string

	ContentType string
	Body        []byte
}

type IndexRequest struct {
	Auth      auth.Result
	Namespace string
	Package   string
}

// ArtifactRequest identifies one file. Reference is a version for
// protocols that download by version, or a digest for those that download
// by content.
type ArtifactRequest struct {
	Auth      auth.Result
	Namespace string
	Package   string
	Reference string
	Filename  string
}

// PublishResult describes the manifest a publish produced.
type PublishResult struct {
	Repository ocidist.Repository
	Tag        ocidist.Reference
	Digest     digest.Digest

	// Document, if set, is the protocol's response body.
	Document *Document
}

// Document is a protocol response to be encoded as JSON.
type Document struct {
	ContentType string
	Value       any
}

// Artifact is a file being streamed back to a client.
type Artifact struct {
	MediaType string
	Filename  string
	Size      int64
	Digest    digest.Digest
	Body      io.ReadCloser
}

// Grants issues the grant tokens a translator needs.
type Grants interface {
	ForRead(result auth.Result, repo ocidist.Repository) (string, error)
	ForWrite(result auth.Result, repo ocidist.Repository) (string, error)
}
