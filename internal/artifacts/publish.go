package artifacts

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// Blob is a payload to upload before the manifest that refers to it.
type Blob struct {
	Data   []byte
	Digest digest.Digest
}

// BlobFor pairs a payload with the digest from its descriptor.
func BlobFor(desc ocispec.Descriptor, data []byte) Blob {
	return Blob{Data: data, Digest: desc.Digest}
}

// Publication is a validated publish, ready to be carried out.
type Publication struct {
	Repository ocidist.Repository
	Tag        ocidist.Reference
	Blobs      []Blob

	// If Merge is set then the manifest currently at Tag, if any, is passed
	// to Build so that it can be updated instead of replaced.
	Merge bool
	Build func(existing *ocidist.Manifest) (*ocidist.Manifest, error)
}

// Publisher carries out publishes against one registry client.
type Publisher struct {
	Client *ocidist.Client
	Grants Grants
}

// Publish runs the publish sequence: validate, acquire a write grant,
// upload blobs, build the manifest, upload it, and record the repository
// kind.
//
// validate must not make any network calls. It returns the publication to
// carry out, or an error describing what is wrong with the request.
//
// Any failure stops the sequence and is returned as a [*StepError].
func (p *Publisher) Publish(ctx context.Context, result auth.Result, validate func() (*Publication, error)) (*PublishResult, error) {
	pub, err := validate()
	if err != nil {
		return nil, &StepError{Step: StepValidated, Err: err}
	}

	ctx = logging.ContextWithFields(ctx, logrus.Fields{
		"repository": pub.Repository.String(),
		"tag":        pub.Tag,
	})
	logger := logging.ContextLogger(ctx)

	token, err := p.Grants.ForWrite(result, pub.Repository)
	if err != nil {
		return nil, &StepError{Step: StepGrantAcquired, Err: err}
	}
	logger.WithField("step", StepGrantAcquired).Debug("acquired write grant")

	for _, blob := range pub.Blobs {
		if err := p.Client.UploadBlob(ctx, pub.Repository, blob.Data, blob.Digest, token); err != nil {
			return nil, &StepError{Step: StepBlobsUploaded, Err: err}
		}
	}
	logger.WithField("step", StepBlobsUploaded).Debugf("uploaded %d blobs", len(pub.Blobs))

	var existing *ocidist.Manifest
	if pub.Merge {
		existing, _, err = p.Client.GetManifest(ctx, pub.Repository, pub.Tag.String(), token)
		switch {
		case errors.Is(err, ocidist.ErrMalformedManifest):
			logger.WithError(err).Warn("replacing a tag that does not hold an artifact manifest")
			existing = nil
		case err != nil && !ocidist.IsNotFound(err):
			return nil, &StepError{Step: StepManifestBuilt, Err: err}
		}
	}
	manifest, err := pub.Build(existing)
	if err != nil {
		return nil, &StepError{Step: StepManifestBuilt, Err: err}
	}

	d, err := p.Client.UploadManifest(ctx, pub.Repository, manifest, pub.Tag, token)
	if errors.Is(err, ocidist.ErrKindNotRecorded) {
		return nil, &StepError{Step: StepRepositoryKindTagged, Err: err}
	}
	if err != nil {
		return nil, &StepError{Step: StepManifestUploaded, Err: err}
	}
	logger.WithFields(logrus.Fields{
		"step":   StepRepositoryKindTagged,
		"digest": d,
	}).Info("published")

	return &PublishResult{
		Repository: pub.Repository,
		Tag:        pub.Tag,
		Digest:     d,
	}, nil
}
