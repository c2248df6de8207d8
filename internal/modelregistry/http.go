package modelregistry

import (
	"encoding/json"
	"net/http"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
)

type handler struct {
	t       *Translator
	authn   *auth.Authenticator
	maxBody int64
}

func (t *Translator) Handler(cfg artifacts.HandlerConfig) http.Handler {
	h := &handler{t: t, authn: cfg.Authenticator, maxBody: cfg.MaxBodyBytes}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.ping)
	mux.HandleFunc("PUT /{namespace}/{repo}/{version}", h.publish)
	mux.HandleFunc("GET /{namespace}/{repo}", h.index)
	mux.HandleFunc("POST /{namespace}/{repo}/search", h.search)
	mux.HandleFunc("GET /download/{namespace}/{repo}/{version}/{filename}", h.download)
	return mux
}

func (h *handler) ping(w http.ResponseWriter, req *http.Request) {
	artifacts.WriteJSON(w, http.StatusOK, map[string]string{"ok": Name})
}

func (h *handler) publish(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	result := h.authn.Authenticate(req)
	body, err := artifacts.ReadBody(w, req, h.maxBody)
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	published, err := h.t.Publish(ctx, &artifacts.PublishRequest{
		Auth:        result,
		Namespace:   req.PathValue("namespace"),
		Package:     req.PathValue("repo"),
		Version:     req.PathValue("version"),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteDocument(w, http.StatusCreated, published.Document)
}

func (h *handler) index(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	doc, err := h.t.FetchIndex(ctx, &artifacts.IndexRequest{
		Auth:      h.authn.Authenticate(req),
		Namespace: req.PathValue("namespace"),
		Package:   req.PathValue("repo"),
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteDocument(w, http.StatusOK, doc)
}

func (h *handler) search(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	result := h.authn.Authenticate(req)
	body, err := artifacts.ReadBody(w, req, h.maxBody)
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	var query struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &query); err != nil {
		artifacts.WriteError(ctx, w, artifacts.Malformed("invalid search request: %s", err))
		return
	}
	results, err := h.t.Search(ctx, &SearchRequest{
		Auth:      result,
		Namespace: req.PathValue("namespace"),
		Package:   req.PathValue("repo"),
		Query:     query.Query,
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *handler) download(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	a, err := h.t.FetchArtifact(ctx, &artifacts.ArtifactRequest{
		Auth:      h.authn.Authenticate(req),
		Namespace: req.PathValue("namespace"),
		Package:   req.PathValue("repo"),
		Reference: req.PathValue("version"),
		Filename:  req.PathValue("filename"),
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteArtifact(ctx, w, a)
}
