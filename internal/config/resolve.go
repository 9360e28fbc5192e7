package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNoConfiguration indicates that no usable Keycloak configuration could
// be resolved. Initialization must fail rather than attempt network calls
// with undefined values.
var ErrNoConfiguration = errors.New("no usable keycloak configuration")

// remoteConfigTimeout bounds the one-time remote config fetch.
const remoteConfigTimeout = 10 * time.Second

// remoteConfig is the JSON shape served by the token proxy's
// /api/keycloak-config endpoint.
type remoteConfig struct {
	URL            string `json:"url"`
	Realm          string `json:"realm"`
	ClientID       string `json:"clientId"`
	IsPublicClient bool   `json:"isPublicClient"`
}

// Resolve produces the definitive Keycloak settings. When a remote config
// endpoint is configured it is fetched exactly once; the static settings
// serve as fallback if the fetch fails. Resolution completes (or
// definitively fails with ErrNoConfiguration) before any token operation
// may be attempted.
func Resolve(ctx context.Context, k KeycloakConfig, client *http.Client) (*KeycloakConfig, error) {
	if k.RemoteConfigURL == "" {
		if !k.complete() {
			return nil, fmt.Errorf("keycloak url, realm and client id are required: %w", ErrNoConfiguration)
		}
		return &k, nil
	}

	remote, err := fetchRemoteConfig(ctx, k.RemoteConfigURL, client)
	if err != nil {
		slog.Warn("remote config fetch failed, using static fallback",
			"url", k.RemoteConfigURL,
			"error", err,
		)
		if !k.complete() {
			return nil, fmt.Errorf("remote config fetch failed and static fallback is incomplete: %w", ErrNoConfiguration)
		}
		return &k, nil
	}

	resolved := KeycloakConfig{
		URL:      remote.URL,
		Realm:    remote.Realm,
		ClientID: remote.ClientID,
	}
	if !resolved.complete() {
		slog.Warn("remote config response incomplete, using static fallback")
		if !k.complete() {
			return nil, fmt.Errorf("remote config incomplete and static fallback is incomplete: %w", ErrNoConfiguration)
		}
		return &k, nil
	}

	slog.Info("keycloak configuration resolved from remote endpoint",
		"realm", resolved.Realm,
		"client_id", resolved.ClientID,
	)
	return &resolved, nil
}

// fetchRemoteConfig performs the one-shot GET against the config endpoint.
func fetchRemoteConfig(ctx context.Context, url string, client *http.Client) (*remoteConfig, error) {
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithTimeout(ctx, remoteConfigTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("config endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var remote remoteConfig
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	return &remote, nil
}
