package server

import (
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/artifacts"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/catalog"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/config"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/grant"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/modelregistry"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/npm"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/ocidist"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/python"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/seal"
)

const userAgent = "oci-distribution-artifact-plugins"

// compressedContentTypes are the response types worth compressing. Package
// files are already compressed.
var compressedContentTypes = []string{
	"application/json",
	python.IndexMediaType,
}

// Services is everything the server needs, assembled from the
// configuration.
type Services struct {
	Issuer        *grant.Issuer
	Kinds         *catalog.Memory
	Tokens        *npm.Tokens
	Metadata      *modelregistry.MemoryMetadata
	Authenticator *auth.Authenticator
	Translators   *artifacts.Registry
	Notifier      *artifacts.Notifier
	Metrics       *prometheus.Registry

	maxBodyBytes int64
	eventsToken  string
}

// NewServices builds the enabled translators and the state they share.
//
// Extra client options are applied to every translator's registry client
// after the defaults.
func NewServices(cfg *config.Config, opts ...ocidist.ClientOption) (*Services, error) {
	users, err := auth.NewStaticUsers(cfg.UserPasswordHashes())
	if err != nil {
		return nil, fmt.Errorf("invalid user configuration: %w", err)
	}
	publicURL, err := publicURL(cfg.Server)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Issuer:        grant.NewIssuer(cfg.Registry.Audience, seal.NewSealer(cfg.Registry.GrantSecret, cfg.Registry.GrantTTL)),
		Kinds:         catalog.NewMemory(),
		Tokens:        npm.NewTokens(npm.NewMemoryTokenStore()),
		Metadata:      modelregistry.NewMemoryMetadata(),
		Authenticator: &auth.Authenticator{Users: users},
		Notifier:      artifacts.NewNotifier(),
		Metrics:       prometheus.NewRegistry(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}
	if cfg.Events != nil {
		s.eventsToken = cfg.Events.Token
	}

	newClient := func(kind string) *ocidist.Client {
		clientOpts := append([]ocidist.ClientOption{
			ocidist.WithTransport(otelhttp.NewTransport(http.DefaultTransport)),
			ocidist.WithKindRecorder(s.Kinds),
			ocidist.WithUserAgent(userAgent + " (" + kind + ")"),
		}, opts...)
		return ocidist.NewClient(cfg.Registry.URL, kind, s.Issuer, clientOpts...)
	}

	var translators []artifacts.Translator
	if cfg.PluginEnabled(npm.Name) {
		translators = append(translators, npm.New(publicURL, newClient(npm.Name), s.Issuer, s.Tokens))
		s.Authenticator.Tokens = s.Tokens
	}
	if cfg.PluginEnabled(python.Name) {
		translators = append(translators, python.New(publicURL, newClient(python.Name), s.Issuer))
	}
	if cfg.PluginEnabled(modelregistry.Name) {
		translators = append(translators, modelregistry.New(publicURL, newClient(modelregistry.Name), s.Issuer, s.Metadata))
	}
	s.Translators, err = artifacts.NewRegistry(translators...)
	if err != nil {
		return nil, err
	}
	s.Translators.SubscribeEvents(s.Notifier)

	auth.MustRegisterMetrics(s.Metrics)
	MustRegisterMetrics(s.Metrics)
	s.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s, nil
}

// Handler returns the handler for every HTTP surface the service offers.
func (s *Services) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	handlerCfg := artifacts.HandlerConfig{
		Authenticator: s.Authenticator,
		MaxBodyBytes:  s.maxBodyBytes,
	}
	for _, name := range s.Translators.Names() {
		t, _ := s.Translators.Get(name)
		surface, ok := t.(artifacts.Surface)
		if !ok {
			continue
		}
		prefix := "/artifacts/" + name
		var h http.Handler = http.StripPrefix(prefix, surface.Handler(handlerCfg))
		h = promhttp.InstrumentHandlerCounter(pluginRequests.MustCurryWith(prometheus.Labels{"plugin": name}), h)
		mux.Handle(prefix+"/", withPlugin(name, h))
	}
	mux.Handle("POST /artifacts/events", eventsHandler(s.Notifier, s.eventsToken, s.maxBodyBytes))
	mux.HandleFunc("GET /artifacts/repositories/{namespace}/{repo}", s.repositoryKind)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{}))

	gz, err := gzhttp.NewWrapper(gzhttp.ContentTypes(compressedContentTypes))
	if err != nil {
		return nil, err
	}
	return otelhttp.NewHandler(gz(mux), "artifacts"), nil
}

func (s *Services) repositoryKind(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	repo, err := ocidist.ParseRepository(req.PathValue("namespace"), req.PathValue("repo"))
	if err != nil {
		artifacts.WriteError(ctx, w, artifacts.Malformed("%s", err))
		return
	}
	kind, ok := s.Kinds.RepositoryKind(repo)
	if !ok {
		artifacts.WriteError(ctx, w, fmt.Errorf("no artifacts published to %s: %w", repo, ocidist.ErrNotFound))
		return
	}
	artifacts.WriteJSON(w, http.StatusOK, map[string]string{
		"repository": repo.String(),
		"kind":       kind,
	})
}

// publicURL returns the configured public URL, or one guessed from the
// listen address if there is none.
func publicURL(cfg *config.Server) (*url.URL, error) {
	if cfg.PublicURL != nil {
		return cfg.PublicURL, nil
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "http"
	if cfg.TLS != nil {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)}, nil
}
