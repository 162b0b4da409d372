package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"tampaweb/apiclient"
	"tampaweb/server"
)

const (
	defaultConfigPath = "./config.yaml"
	defaultEnvFile    = ".env"
	shutdownTimeout   = 15 * time.Second
)

type options struct {
	configPath string
	logLevel   string
	envFile    string
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tampaweb",
		Short:         "OAuth consent front end for Tampa.dev",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			level, err := parseLogLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			opts.logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("TAMPAWEB_CONFIG"), "Path to YAML config (env TAMPAWEB_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "Dotenv file loaded before reading config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check connectivity to the events API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile(), opts.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runCheck(ctx, cfg, opts.logger, nil); err != nil {
				opts.logger.Error("events api check failed", "base_url", cfg.API.BaseURL, "error", err)
				return err
			}
			opts.logger.Info("events api check succeeded", "base_url", cfg.API.BaseURL)
			return nil
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or validate the configuration file",
	}
	var useDefaults bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configFile()
			if err := runConfigInit(path, in, out, useDefaults, opts.logger); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			opts.logger.Info("configuration initialized successfully", "path", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&useDefaults, "defaults", false, "Write defaults without prompting")
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configFile()
			if err := runConfigValidate(cmd.Context(), path, opts.logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			opts.logger.Info("configuration is valid", "path", path)
			return nil
		},
	}
	configCmd.AddCommand(initCmd, validateCmd)

	root.AddCommand(serveCmd, checkCmd, configCmd)
	return root
}

func (o *options) configFile() string {
	if o.configPath == "" {
		return defaultConfigPath
	}
	return o.configPath
}

// loadEnvFile reads a dotenv file. A missing default file is not an error;
// a missing file that was asked for explicitly is.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func runServe(parent context.Context, opts *options) error {
	logger := opts.logger
	cfg, err := loadConfig(opts.configFile(), logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(parent, 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	servers, err := buildServers(cfg, application.Routes())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			logger.Info("server listening", "name", s.name, "addr", s.srv.Addr, "dev", cfg.Server.DevMode)
			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", s.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown", "name", s.name, "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

type listener struct {
	name string
	srv  *http.Server
	tls  bool
}

func buildServers(cfg server.Config, handler http.Handler) ([]listener, error) {
	if cfg.Server.DevMode {
		return []listener{{
			name: "dev",
			srv: &http.Server{
				Addr:              cfg.Server.DevListenAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      15 * time.Second,
			},
		}}, nil
	}

	minVersion, err := tlsVersion(cfg.Server.TLS.MinVersion)
	if err != nil {
		return nil, err
	}
	m := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.CachePath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}

	return []listener{
		{
			name: "http-redirect",
			srv: &http.Server{
				Addr:              cfg.Server.HTTPListenAddr,
				Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			},
		},
		{
			name: "https",
			tls:  true,
			srv: &http.Server{
				Addr:    cfg.Server.HTTPSListenAddr,
				Handler: handler,
				TLSConfig: &tls.Config{
					GetCertificate: m.GetCertificate,
					MinVersion:     minVersion,
					NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
				},
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      15 * time.Second,
			},
		},
	}, nil
}

func tlsVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", v)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runCheck confirms the events API answers its health probe and, when
// sessions are verified locally, that its JWKS can be fetched.
func runCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	api, err := apiclient.New(apiclient.Config{
		BaseURL:       cfg.API.BaseURL,
		InternalToken: cfg.API.InternalToken,
		Timeout:       cfg.APITimeout(),
		HTTPClient:    httpClient,
	})
	if err != nil {
		return err
	}

	logger.Info("check.start", "base_url", api.BaseURL())
	if err := api.Health(ctx); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	logger.Info("check.health", "status", "ok")

	if cfg.Session.Mode == server.SessionModeJWT {
		if err := validateURL(ctx, httpClient, cfg.API.JWKSURL); err != nil {
			return fmt.Errorf("jwks %s: %w", cfg.API.JWKSURL, err)
		}
		logger.Info("check.jwks", "url", cfg.API.JWKSURL, "status", "ok")
	}
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
		if path != defaultConfigPath {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'tampaweb config init' to create it", path)
		}
		logger.Debug("no config file, using defaults and environment", "path", path)
		return server.LoadConfig("")
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, useDefaults bool, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	cfg := server.DefaultConfig()
	if !useDefaults {
		cfg = runSetup(bufio.NewReader(in), out, cfg)
	}
	if cfg.Consent.EnvelopeSecret == "" {
		cfg.Consent.EnvelopeSecret = randomHex(32)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration created", "path", path)
	return nil
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	logger.Info("validating configuration URLs...")
	validateStartupURLs(ctx, cfg, logger)
	logger.Info("configuration validation complete")
	return nil
}

// validateStartupURLs only warns; the service still starts when the API is
// briefly unavailable.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	if err := runCheck(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil); err != nil {
		logger.Warn("events api may not be accessible",
			"base_url", cfg.API.BaseURL,
			"error", err,
			"note", "server will continue but authorization requests may fail")
		return
	}
	logger.Info("events api is accessible", "base_url", cfg.API.BaseURL)
}

func validateURL(ctx context.Context, client *http.Client, urlStr string) error {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(reader *bufio.Reader, out io.Writer, cfg server.Config) server.Config {
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. auth.tampa.dev)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.API.BaseURL = strings.TrimSuffix(ask(reader, out, "Events API base URL", cfg.API.BaseURL), "/")
	cfg.API.InternalToken = ask(reader, out, "Events API internal token", cfg.API.InternalToken)
	cfg.Server.LoginPath = ask(reader, out, "Login page path", cfg.LoginPath())
	return cfg
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
