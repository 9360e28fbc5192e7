package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giftportal/keycloak-auth/internal/config"
	"github.com/giftportal/keycloak-auth/internal/keycloak"
)

// Run resolves the Keycloak configuration, builds the proxy and blocks
// until a shutdown signal or a server failure.
func Run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kc, err := config.Resolve(ctx, cfg.Keycloak, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve keycloak configuration: %w", err)
	}

	client, err := keycloak.NewClient(kc.ClientID, kc.Issuer())
	if err != nil {
		return fmt.Errorf("failed to create keycloak client: %w", err)
	}
	transport := keycloak.NewDirectTransport(client, time.Duration(cfg.Auth.HTTPTimeoutSeconds)*time.Second)

	slog.Info("keycloak client initialized",
		"issuer", kc.Issuer(),
		"client_id", kc.ClientID,
	)

	server := NewServer(cfg, kc, transport)

	// Start the HTTP server in a goroutine (it blocks on ListenAndServe)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or startup error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("token proxy failed: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping token proxy", "error", err)
	}

	slog.Info("token proxy shutdown complete")
	return nil
}
