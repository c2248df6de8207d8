package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
)

// Surface is implemented by translators that serve their protocol over
// HTTP. The handler is mounted at "/artifacts/{name}/" with that prefix
// stripped.
type Surface interface {
	Handler(cfg HandlerConfig) http.Handler
}

// HandlerConfig is what a [Surface] needs from the server it's mounted in.
type HandlerConfig struct {
	Authenticator *auth.Authenticator
	MaxBodyBytes  int64
}

// ReadBody reads the whole request body, failing with an error wrapping
// [ErrMalformedInput] if it is longer than limit bytes.
func ReadBody(w http.ResponseWriter, req *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, Malformed("request body exceeds %d bytes", tooBig.Limit)
		}
		return nil, err
	}
	return body, nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	WriteDocument(w, status, &Document{Value: v})
}

// WriteDocument writes doc as the response body, defaulting its content
// type to application/json.
func WriteDocument(w http.ResponseWriter, status int, doc *Document) {
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(doc.Value)
}

// WriteError writes a JSON error response whose status code is chosen by
// [StatusCode].
//
// Server errors are logged and their details are not sent to the client.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusCode(err)
	logger := logging.ContextLogger(ctx).WithError(err)
	if step, ok := FailedStep(err); ok {
		logger = logger.WithField("step", step)
	}

	msg := err.Error()
	if status >= 500 {
		logger.Error("request failed")
		msg = http.StatusText(status)
	} else {
		logger.Info("request rejected")
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="artifacts"`)
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteArtifact streams an artifact as the response body and closes it.
func WriteArtifact(ctx context.Context, w http.ResponseWriter, a *Artifact) {
	defer a.Body.Close()

	mediaType := a.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	if a.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	}
	if a.Digest != "" {
		w.Header().Set("Docker-Content-Digest", a.Digest.String())
	}
	if a.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, a.Body); err != nil {
		logging.ContextLogger(ctx).WithError(err).Warn("artifact download interrupted")
	}
}
