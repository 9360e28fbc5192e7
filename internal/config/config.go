// Package config loads and validates the application configuration and
// resolves the Keycloak connection settings, either from static
// configuration or from a remote config endpoint.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Keycloak KeycloakConfig `yaml:"keycloak"`
	Auth     AuthConfig     `yaml:"auth"`
	TLS      TLSConfig      `yaml:"tls"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines where the token proxy listens for requests
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":9000")
}

// KeycloakConfig defines the identity provider connection settings.
// When RemoteConfigURL is set, Resolve fetches these values from that
// endpoint once and falls back to the static values on failure.
type KeycloakConfig struct {
	URL             string `yaml:"url"`               // Keycloak base URL (e.g., "https://id.example.com")
	Realm           string `yaml:"realm"`             // Keycloak realm
	ClientID        string `yaml:"client_id"`         // OIDC client ID (always a public client)
	RemoteConfigURL string `yaml:"remote_config_url"` // Optional remote config endpoint
}

// Issuer returns the realm issuer URL derived from the base URL and realm.
func (k *KeycloakConfig) Issuer() string {
	return strings.TrimSuffix(k.URL, "/") + "/realms/" + k.Realm
}

// complete reports whether the static settings are usable on their own.
func (k *KeycloakConfig) complete() bool {
	return k.URL != "" && k.Realm != "" && k.ClientID != ""
}

// AuthConfig defines authentication flow behavior
type AuthConfig struct {
	RedirectURI           string `yaml:"redirect_uri"`             // OAuth callback URL (application origin root)
	PostLogoutRedirectURI string `yaml:"post_logout_redirect_uri"` // Where Keycloak redirects after logout
	RefreshLeadSeconds    int    `yaml:"refresh_lead_seconds"`     // How early before expiry to refresh tokens
	HTTPTimeoutSeconds    int    `yaml:"http_timeout_seconds"`     // Timeout for identity provider requests
	StateDir              string `yaml:"state_dir"`                // Directory for the durable session store
}

// TLSConfig defines TLS settings for the token proxy
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":9000",
		},
		Auth: AuthConfig{
			RefreshLeadSeconds: 120,
			HTTPTimeoutSeconds: 10,
			StateDir:           defaultStateDir(),
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// defaultStateDir returns the default location for the durable session
// store, preferring the user cache directory.
func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/giftportal-auth"
	}
	return "/var/lib/giftportal-auth"
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	// Keycloak overrides
	if v := os.Getenv("GIFTPORTAL_KEYCLOAK_URL"); v != "" {
		c.Keycloak.URL = v
	}
	if v := os.Getenv("GIFTPORTAL_KEYCLOAK_REALM"); v != "" {
		c.Keycloak.Realm = v
	}
	if v := os.Getenv("GIFTPORTAL_KEYCLOAK_CLIENT_ID"); v != "" {
		c.Keycloak.ClientID = v
	}
	if v := os.Getenv("GIFTPORTAL_REMOTE_CONFIG_URL"); v != "" {
		c.Keycloak.RemoteConfigURL = v
	}

	// Auth overrides
	if v := os.Getenv("GIFTPORTAL_REDIRECT_URI"); v != "" {
		c.Auth.RedirectURI = v
	}
	if v := os.Getenv("GIFTPORTAL_POST_LOGOUT_REDIRECT_URI"); v != "" {
		c.Auth.PostLogoutRedirectURI = v
	}

	// Log overrides
	if v := os.Getenv("GIFTPORTAL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GIFTPORTAL_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("GIFTPORTAL_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate Keycloak config. The static settings may be incomplete when a
	// remote config endpoint is configured; Resolve enforces completeness.
	if c.Keycloak.RemoteConfigURL == "" && !c.Keycloak.complete() {
		return fmt.Errorf("keycloak.url, keycloak.realm and keycloak.client_id are required (or set keycloak.remote_config_url)")
	}
	if c.Keycloak.URL != "" && !isHTTPURL(c.Keycloak.URL) {
		return fmt.Errorf("keycloak.url must be a valid HTTP(S) URL")
	}
	if c.Keycloak.RemoteConfigURL != "" && !isHTTPURL(c.Keycloak.RemoteConfigURL) {
		return fmt.Errorf("keycloak.remote_config_url must be a valid HTTP(S) URL")
	}

	// Validate auth config
	if c.Auth.RedirectURI == "" {
		return fmt.Errorf("auth.redirect_uri is required")
	}
	if !isHTTPURL(c.Auth.RedirectURI) {
		return fmt.Errorf("auth.redirect_uri must be a valid HTTP(S) URL")
	}
	if c.Auth.RefreshLeadSeconds <= 0 {
		return fmt.Errorf("auth.refresh_lead_seconds must be positive")
	}
	if c.Auth.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("auth.http_timeout_seconds must be positive")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy of the config safe for logging. The client is a
// public one so there is no secret to hide, but the remote config URL may
// embed credentials in userinfo form.
func (c *Config) Redact() *Config {
	redacted := *c
	if u := redacted.Keycloak.RemoteConfigURL; u != "" {
		if at := strings.Index(u, "@"); at != -1 {
			if scheme := strings.Index(u, "://"); scheme != -1 && scheme < at {
				redacted.Keycloak.RemoteConfigURL = u[:scheme+3] + "[REDACTED]" + u[at:]
			}
		}
	}
	return &redacted
}
