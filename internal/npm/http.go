package npm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
)

type handler struct {
	t       *Translator
	authn   *auth.Authenticator
	maxBody int64
}

// Handler returns the npm registry protocol surface.
func (t *Translator) Handler(cfg artifacts.HandlerConfig) http.Handler {
	h := &handler{t: t, authn: cfg.Authenticator, maxBody: cfg.MaxBodyBytes}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.ping)
	mux.HandleFunc("GET /-/ping", h.ping)
	mux.HandleFunc("POST /-/v1/login", h.webLogin)
	mux.HandleFunc("PUT /-/user/{user}", h.login)
	mux.HandleFunc("DELETE /-/user/token/{token}", h.logout)
	mux.HandleFunc("PUT /{package...}", h.publish)
	mux.HandleFunc("GET /{package...}", h.index)
	mux.HandleFunc("GET /download/{namespace}/{package}/{version}", h.download)
	return mux
}

func (h *handler) ping(w http.ResponseWriter, req *http.Request) {
	artifacts.WriteJSON(w, http.StatusOK, map[string]any{})
}

// webLogin always fails, which makes the npm CLI fall back to the legacy
// username and password login.
func (h *handler) webLogin(w http.ResponseWriter, req *http.Request) {
	artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "web login is not supported"})
}

func (h *handler) login(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	userID, ok := strings.CutPrefix(req.PathValue("user"), "org.couchdb.user:")
	if !ok {
		artifacts.WriteError(ctx, w, artifacts.Malformed("unsupported user document"))
		return
	}
	body, err := artifacts.ReadBody(w, req, h.maxBody)
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	var creds struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		artifacts.WriteError(ctx, w, artifacts.Malformed("invalid login document: %s", err))
		return
	}
	if creds.Name == "" {
		creds.Name = userID
	}
	if creds.Password == "" {
		artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
		return
	}

	result := h.authn.ValidateCredentials(ctx, creds.Name, creds.Password)
	if !result.Authenticated() {
		artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
		return
	}
	token, err := h.t.tokens.Issue(ctx, result.User, result.ReadOnly, nil)
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteJSON(w, http.StatusCreated, map[string]string{
		"ok":    fmt.Sprintf("you are authenticated as '%s'", result.User),
		"token": token,
	})
}

func (h *handler) logout(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	token := req.PathValue("token")
	result := h.t.tokens.ValidateToken(ctx, token, auth.RemoteAddr(req))
	auth.Observe(result)
	if !result.Authenticated() {
		artifacts.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if err := h.t.tokens.Revoke(ctx, token); err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteJSON(w, http.StatusOK, map[string]string{"ok": "logged out"})
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
		Package:     req.PathValue("package"),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteDocument(w, http.StatusOK, published.Document)
}

func (h *handler) index(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	doc, err := h.t.FetchIndex(ctx, &artifacts.IndexRequest{
		Auth:    h.authn.Authenticate(req),
		Package: req.PathValue("package"),
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
		Package:   req.PathValue("package"),
		Reference: req.PathValue("version"),
	})
	if err != nil {
		artifacts.WriteError(ctx, w, err)
		return
	}
	artifacts.WriteArtifact(ctx, w, a)
}
