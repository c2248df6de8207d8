package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/docker/distribution/notifications"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
)

// eventsHandler receives the host registry's notifications and dispatches
// manifest pushes and deletes to the notifier. If token is set then the
// registry must present it as a bearer token.
func eventsHandler(notifier *artifacts.Notifier, token string, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := logging.ContextWithFields(req.Context(), logrus.Fields{"plugin": "events"})
		logger := logging.ContextLogger(ctx)

		if token != "" {
			given, _ := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				logger.Warn("rejected notification with wrong token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="events"`)
				artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
		}

		body, err := artifacts.ReadBody(w, req, maxBody)
		if err != nil {
			artifacts.WriteError(ctx, w, err)
			return
		}
		var envelope notifications.Envelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			artifacts.WriteError(ctx, w, artifacts.Malformed("invalid notification envelope: %s", err))
			return
		}

		dispatched, failed := 0, 0
		for _, raw := range envelope.Events {
			ev, ok := translateEvent(raw)
			if !ok {
				continue
			}
			if ev.Repository == (ocidist.Repository{}) {
				logger.WithField("repository", raw.Target.Repository).Warn("ignoring notification for repository outside any namespace")
				continue
			}
			failed += notifier.Notify(ctx, ev)
			dispatched++
		}
		logger.WithFields(logrus.Fields{
			"dispatched": dispatched,
			"failed":     failed,
		}).Debug("handled registry notifications")
		artifacts.WriteJSON(w, http.StatusOK, map[string]int{"dispatched": dispatched})
	}
}

// translateEvent returns false for notifications that are not about
// manifests being pushed or deleted.
func translateEvent(raw notifications.Event) (artifacts.Event, bool) {
	var kind artifacts.EventKind
	switch raw.Action {
	case notifications.EventActionPush:
		kind = artifacts.EventPush
	case notifications.EventActionDelete:
		kind = artifacts.EventDelete
	default:
		return artifacts.Event{}, false
	}
	if kind == artifacts.EventPush && !isManifestMediaType(raw.Target.MediaType) {
		return artifacts.Event{}, false
	}

	repo, err := ocidist.ParseRepositoryPath(raw.Target.Repository)
	if err != nil {
		return artifacts.Event{Kind: kind}, true
	}
	return artifacts.Event{
		Kind:       kind,
		Repository: repo,
		Tag:        raw.Target.Tag,
		Digest:     raw.Target.Digest,
		MediaType:  raw.Target.MediaType,
	}, true
}

func isManifestMediaType(mediaType string) bool {
	switch mediaType {
	case "":
		// Some registries leave out the media type for manifests.
		return true
	case ocispec.MediaTypeImageManifest, "application/vnd.docker.distribution.manifest.v2+json":
		return true
	default:
		return false
	}
}
