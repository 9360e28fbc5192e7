// Package proxy implements the backend token proxy: a small HTTP service
// that hands the SPA its Keycloak configuration and performs the token
// exchange and refresh on its behalf, so the identity provider's token
// endpoint never has to be reachable from the client network. The
// contract mirrors the direct transport exactly.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/giftportal/keycloak-auth/internal/config"
	"github.com/giftportal/keycloak-auth/internal/keycloak"
)

// Server is the token proxy HTTP server.
type Server struct {
	cfg        *config.Config
	keycloak   *config.KeycloakConfig
	transport  keycloak.TokenTransport
	httpServer *http.Server
}

// NewServer creates the proxy over an already-resolved Keycloak
// configuration and transport.
func NewServer(cfg *config.Config, kc *config.KeycloakConfig, transport keycloak.TokenTransport) *Server {
	s := &Server{
		cfg:       cfg,
		keycloak:  kc,
		transport: transport,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)
	r.Use(newIPRateLimiter(10, 50).middleware)
	r.Use(securityHeadersMiddleware)

	r.Get("/api/keycloak-config", s.handleKeycloakConfig)
	r.Post("/api/token-exchange", s.handleTokenExchange)
	r.Post("/api/token-refresh", s.handleTokenRefresh)
	r.Get("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("starting token proxy",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down token proxy")
	return s.httpServer.Shutdown(ctx)
}
