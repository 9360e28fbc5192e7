package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/giftportal/keycloak-auth/internal/auth"
	"github.com/giftportal/keycloak-auth/internal/config"
	"github.com/giftportal/keycloak-auth/internal/keycloak"
	"github.com/giftportal/keycloak-auth/internal/proxy"
	"github.com/giftportal/keycloak-auth/internal/session"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "giftportal-auth",
	Short: "Keycloak PKCE authentication for the gift portal",
	Long: `Keycloak OAuth2/PKCE authentication tooling for the gift portal.

This binary operates in two modes:
  - serve: Run the backend token proxy that performs code and refresh
    exchanges on behalf of browser clients
  - login: Run an interactive authorization code flow from the terminal`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend token proxy",
	Long: `Start the token proxy.

The proxy:
  - Serves the Keycloak connection settings at /api/keycloak-config
  - Exchanges authorization codes at /api/token-exchange
  - Exchanges refresh tokens at /api/token-refresh

Browser clients configured with a remote config URL delegate their token
operations here instead of calling Keycloak directly.`,
	RunE: runServe,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate interactively via the browser",
	Long: `Run the full authorization code flow with PKCE from the terminal.

A local listener is started on the configured redirect URI, the
authorization URL is printed for the browser, and the resulting callback
completes the exchange. The session is persisted to the state directory
and silently resumed on the next invocation.`,
	RunE: runLogin,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run:   runVersion,
}

// overrideExitCode is set by subcommands so main() can call os.Exit()
// after cobra finishes, keeping deferred functions intact. -1 means
// "use default".
var overrideExitCode = -1

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting anything.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "giftportal-auth.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	// Local development overrides; a missing .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// runServe starts the token proxy
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("starting gift portal token proxy",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	return proxy.Run(cfg)
}

// runLogin performs the interactive authorization code flow.
func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	kc, err := config.Resolve(ctx, cfg.Keycloak, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve keycloak configuration: %w", err)
	}

	client, err := keycloak.NewClient(kc.ClientID, kc.Issuer())
	if err != nil {
		return fmt.Errorf("failed to create keycloak client: %w", err)
	}
	transport := keycloak.NewDirectTransport(client, time.Duration(cfg.Auth.HTTPTimeoutSeconds)*time.Second)

	durable, err := session.NewFileBackend(cfg.Auth.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	// The transient backend only needs to live for this redirect round
	// trip; it stays in memory since both halves run in this process.
	transient := session.NewMemoryBackend()
	store, err := session.NewStore(durable, transient)
	if err != nil {
		return err
	}

	opts := auth.Options{
		Client:                client,
		Transport:             transport,
		Store:                 store,
		Coordinator:           auth.NewCoordinator(),
		RedirectURI:           cfg.Auth.RedirectURI,
		PostLogoutRedirectURI: cfg.Auth.PostLogoutRedirectURI,
		RefreshLead:           time.Duration(cfg.Auth.RefreshLeadSeconds) * time.Second,
	}

	mgr, err := auth.NewManager(opts)
	if err != nil {
		return err
	}
	defer mgr.Close()

	res, err := mgr.Initialize(ctx, cfg.Auth.RedirectURI)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if res.Status == auth.StatusAuthenticated {
		printUser(mgr.CurrentUser())
		return nil
	}

	authURL, err := mgr.Login(ctx)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	callbackURL, err := awaitCallback(ctx, cfg.Auth.RedirectURI, authURL)
	if err != nil {
		return err
	}

	// The callback completes in a fresh manager, mirroring how a browser
	// reload re-initializes the application on return from the identity
	// provider.
	mgr2, err := auth.NewManager(opts)
	if err != nil {
		return err
	}
	defer mgr2.Close()

	res, err = mgr2.Initialize(ctx, callbackURL)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if res.Status != auth.StatusAuthenticated {
		return fmt.Errorf("authentication did not complete")
	}

	printUser(mgr2.CurrentUser())
	return nil
}

// awaitCallback serves the redirect URI until the identity provider
// sends the browser back, and returns the full callback URL.
func awaitCallback(ctx context.Context, redirectURI, authURL string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect uri: %w", err)
	}

	callbackCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Authentication received. You may close this window.")
		select {
		case callbackCh <- redirectURI + "?" + r.URL.RawQuery:
		default:
		}
	})

	server := &http.Server{Addr: u.Host, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("callback listener failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()

	select {
	case callbackURL := <-callbackCh:
		return callbackURL, nil
	case <-time.After(5 * time.Minute):
		return "", fmt.Errorf("timed out waiting for the browser callback")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func printUser(user *keycloak.UserClaims) {
	if user == nil {
		fmt.Println("Authenticated (no user claims available)")
		return
	}
	fmt.Println("Authenticated")
	fmt.Printf("  Subject:  %s\n", user.Sub)
	fmt.Printf("  Username: %s\n", user.PreferredUsername)
	fmt.Printf("  Email:    %s\n", user.Email)
	fmt.Printf("  Name:     %s\n", user.Name)
	if len(user.Roles) > 0 {
		fmt.Printf("  Roles:    %v\n", user.Roles)
	}
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("giftportal-auth version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	redacted := cfg.Redact()

	fmt.Println("Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Keycloak URL:       %s\n", redacted.Keycloak.URL)
	fmt.Printf("  Realm:              %s\n", redacted.Keycloak.Realm)
	fmt.Printf("  Client ID:          %s\n", redacted.Keycloak.ClientID)
	fmt.Printf("  Remote config URL:  %s\n", redacted.Keycloak.RemoteConfigURL)
	fmt.Printf("  Redirect URI:       %s\n", redacted.Auth.RedirectURI)
	fmt.Printf("  HTTP Listen:        %s\n", redacted.Listen.HTTP)
	fmt.Printf("  Refresh lead:       %d seconds\n", redacted.Auth.RefreshLeadSeconds)
	fmt.Printf("  State directory:    %s\n", redacted.Auth.StateDir)
	fmt.Printf("  Log Level:          %s\n", redacted.Log.Level)
	fmt.Printf("  Log Format:         %s\n", redacted.Log.Format)
	fmt.Printf("  TLS Enabled:        %v\n", redacted.TLS.Enabled)

	return nil
}
