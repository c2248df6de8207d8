package artifacts

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// indexConcurrency is how many tags are fetched at once while rebuilding
// an index.
const indexConcurrency = 4

// TaggedManifest is one manifest found while walking a repository's tags.
type TaggedManifest struct {
	Tag      ocidist.Reference
	Digest   digest.Digest
	Manifest *ocidist.Manifest
}

// Versions walks every tag of a repository and calls load for each one
// whose manifest has the given artifact type, returning the results in tag
// order.
//
// Tags that disappear during the walk, and tags whose manifests are not
// artifacts of the given type, are skipped. Any other error aborts the
// walk. The repository not existing at all is reported as an error
// wrapping [ocidist.ErrNotFound].
func Versions[T any](ctx context.Context, client *ocidist.Client, repo ocidist.Repository, token, artifactType string, load func(ctx context.Context, tm *TaggedManifest) (T, error)) ([]T, error) {
	tags, err := client.ListTags(ctx, repo, token)
	if err != nil {
		return nil, err
	}
	logger := logging.ContextLogger(ctx).WithField("repository", repo.String())

	results := make([]T, len(tags))
	found := make([]bool, len(tags))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(indexConcurrency)
	for i, tag := range tags {
		eg.Go(func() error {
			m, d, err := client.GetManifest(egctx, repo, tag.String(), token)
			switch {
			case ocidist.IsNotFound(err):
				logger.WithField("tag", tag).Debug("tag vanished while building index")
				return nil
			case errors.Is(err, ocidist.ErrMalformedManifest):
				logger.WithField("tag", tag).WithError(err).Debug("ignoring tag that is not an artifact")
				return nil
			case err != nil:
				return err
			}
			if m.ArtifactType != artifactType {
				logger.WithFields(logrus.Fields{
					"tag":           tag,
					"artifact_type": m.ArtifactType,
				}).Debug("ignoring tag of a different artifact type")
				return nil
			}

			v, err := load(egctx, &TaggedManifest{Tag: tag, Digest: d, Manifest: m})
			if err != nil {
				return err
			}
			results[i] = v
			found[i] = true
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	ret := make([]T, 0, len(results))
	for i, v := range results {
		if found[i] {
			ret = append(ret, v)
		}
	}
	return ret, nil
}
