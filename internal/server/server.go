package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/config"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
)

func Run(ctx context.Context, config *config.Config) error {
	logger := logging.ContextLogger(ctx)

	services, err := NewServices(config)
	if err != nil {
		return err
	}
	handler, err := services.Handler()
	if err != nil {
		return err
	}
	logger.WithField("plugins", services.Translators.Names()).Info("plugins enabled")

	httpServer := &http.Server{
		Addr:    config.Server.ListenAddr,
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
		ConnContext:       connContext,
		ReadHeaderTimeout: 30 * time.Second,
	}

	serveErr := make(chan error, 1)
	if config.Server.TLS != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{config.Server.TLS.Certificate},
		}
		logger.Infof("HTTPS server listening on %s", config.Server.ListenAddr)
		go func() {
			serveErr <- httpServer.ListenAndServeTLS("", "")
		}()
	} else {
		logger.Infof("HTTP server listening on %s", config.Server.ListenAddr)
		go func() {
			serveErr <- httpServer.ListenAndServe()
		}()
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
