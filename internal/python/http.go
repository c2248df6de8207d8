package python

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

// Handler returns the upload and JSON simple index surface.
func (t *Translator) Handler(cfg artifacts.HandlerConfig) http.Handler {
	h := &handler{t: t, authn: cfg.Authenticator, maxBody: cfg.MaxBodyBytes}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.ping)
	mux.HandleFunc("POST /+login", h.login)
	mux.HandleFunc("POST /{index}", h.upload)
	mux.HandleFunc("POST /{index}/{$}", h.upload)
	mux.HandleFunc("GET /{index}/{project}", h.project)
	mux.HandleFunc("GET /{index}/{project}/{$}", h.project)
	mux.HandleFunc("GET /download/{namespace}/{project}/{digest}/{filename}", h.download)
	return mux
}

func (h *handler) ping(w http.ResponseWriter, req *http.Request) {
	artifacts.WriteJSON(w, http.StatusOK, map[string]string{"ok": Name})
}

func (h *handler) login(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	body, err := artifacts.ReadBody(w, req, h.maxBody)
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(body, &creds); err != nil || creds.Username == "" || creds.Password == "" {
		artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "username and password required"})
		return
	}
	if result := h.authn.ValidateCredentials(ctx, creds.Username, creds.Password); !result.Authenticated() {
		artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	artifacts.WriteJSON(w, http.StatusOK, map[string]string{"ok": "login successful"})
}

func (h *handler) upload(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	result := h.authn.Authenticate(req)
	body, err := artifacts.ReadBody(w, req, h.maxBody)
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	published, err := h.t.Publish(ctx, &artifacts.PublishRequest{
		Auth:        result,
		Namespace:   req.PathValue("index"),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteDocument(w, http.StatusOK, published.Document)
}

func (h *handler) project(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	doc, err := h.t.FetchIndex(ctx, &artifacts.IndexRequest{
		Auth:      h.authn.Authenticate(req),
		Namespace: req.PathValue("index"),
		Package:   req.PathValue("project"),
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteDocument(w, http.StatusOK, doc)
}

func (h *handler) download(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	a, err := h.t.FetchArtifact(ctx, &artifacts.ArtifactRequest{
		Auth:      h.authn.Authenticate(req),
		Namespace: req.PathValue("namespace"),
		Package:   req.PathValue("project"),
		Reference: req.PathValue("digest"),
		Filename:  req.PathValue("filename"),
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteArtifact(ctx, w, a)
}
