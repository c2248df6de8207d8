package modelregistry

import (
	"context"
	"errors"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

const handlerName = Name + ".metadata"

// SubscribeEvents keeps the metadata store in step with model manifests
// pushed to and deleted from the registry.
func (t *Translator) SubscribeEvents(n *artifacts.Notifier) {
	n.Subscribe(artifacts.EventPush, handlerName, t.extractMetadata)
	n.Subscribe(artifacts.EventDelete, handlerName, t.forgetMetadata)
}

func (t *Translator) extractMetadata(ctx context.Context, ev artifacts.Event) error {
	if ev.MediaType != "" && ev.MediaType != ocispec.MediaTypeImageManifest {
		return nil
	}
	ref := ev.Digest.String()
	if ev.Digest == "" {
		ref = ev.Tag
	}
	if ref == "" {
		return nil
	}
	logger := logging.ContextLogger(ctx)

	token, err := t.grants.ForService(ev.Repository)
	if err != nil {
		return err
	}
	m, d, err := t.client.GetManifest(ctx, ev.Repository, ref, token)
	if errors.Is(err, ocidist.ErrMalformedManifest) {
		logger.WithError(err).Debug("ignoring manifest that is not an artifact")
		return nil
	}
	if err != nil {
		return err
	}
	if m.ArtifactType != ArtifactType {
		return nil
	}

	src, err := t.client.ReadBlob(ctx, ev.Repository, m.Config.Digest, token, maxMetadataSize)
	if err != nil {
		return err
	}
	err = t.metadata.PutMetadata(ctx, Record{Repository: ev.Repository, Digest: d, Metadata: src})
	if errors.Is(err, ErrInvalidMetadata) {
		logger.WithError(err).Warn("model config is not valid JSON; not storing metadata")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Debug("stored model metadata")
	return nil
}

func (t *Translator) forgetMetadata(ctx context.Context, ev artifacts.Event) error {
	if ev.Digest == "" {
		return nil
	}
	return t.metadata.DeleteMetadata(ctx, ev.Repository, ev.Digest)
}
