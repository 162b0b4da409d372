package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tampaweb/scopes"
)

// Defaults applied when the matching config value is empty.
const (
	DefaultAPITimeout    = 10 * time.Second
	DefaultEnvelopeTTL   = 10 * time.Minute
	DefaultFallbackDelay = 3 * time.Second
	DefaultLoginPath     = "/login"
	DefaultMetricsPath   = "/metrics"

	minEnvelopeSecret = 32
)

// Session resolution modes.
const (
	SessionModeAPI = "api"
	SessionModeJWT = "jwt"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Session SessionConfig `yaml:"session"`
	Consent ConsentConfig `yaml:"consent"`
	Metrics MetricsConfig `yaml:"metrics"`
	Dev     DevConfig     `yaml:"dev"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string    `yaml:"public_url"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	LoginPath         string    `yaml:"login_path"`
	CachePath         string    `yaml:"cache_path"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// APIConfig points at the events API that owns clients, grants and sessions.
type APIConfig struct {
	BaseURL       string `yaml:"base_url"`
	InternalToken string `yaml:"internal_token"`
	Timeout       string `yaml:"timeout"`
	JWKSURL       string `yaml:"jwks_url"`
	Issuer        string `yaml:"issuer"`
}

// SessionConfig selects how the signed-in user is resolved.
type SessionConfig struct {
	Mode           string   `yaml:"mode"`
	CookieName     string   `yaml:"cookie_name"`
	ForwardCookies []string `yaml:"forward_cookies"`
	Audiences      []string `yaml:"audiences"`
}

// ConsentConfig tunes the consent screen.
type ConsentConfig struct {
	EnvelopeSecret string            `yaml:"envelope_secret"`
	EnvelopeTTL    string            `yaml:"envelope_ttl"`
	FallbackDelay  string            `yaml:"fallback_delay"`
	ScopeAliases   map[string]string `yaml:"scope_aliases"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DevConfig configures the dev-mode OAuth playground.
type DevConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			LoginPath:       DefaultLoginPath,
			CachePath:       ".cache",
			TLS: TLSConfig{
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8787",
			Timeout: DefaultAPITimeout.String(),
		},
		Session: SessionConfig{
			Mode:           SessionModeAPI,
			CookieName:     "session",
			ForwardCookies: []string{"session"},
		},
		Consent: ConsentConfig{
			EnvelopeTTL:   DefaultEnvelopeTTL.String(),
			FallbackDelay: DefaultFallbackDelay.String(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Dev: DevConfig{
			ClientID: "tampaweb-playground",
			Scope:    "openid profile read:events",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	// EVENTS_API_URL is shared with the rest of the platform; the prefixed
	// variable wins when both are set.
	if v, ok := os.LookupEnv("EVENTS_API_URL"); ok && v != "" {
		cfg.API.BaseURL = v
	}

	overrides := map[string]func(string){
		"TAMPAWEB_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"TAMPAWEB_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TAMPAWEB_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TAMPAWEB_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TAMPAWEB_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TAMPAWEB_SERVER_LOGIN_PATH":        func(v string) { cfg.Server.LoginPath = v },
		"TAMPAWEB_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TAMPAWEB_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TAMPAWEB_API_BASE_URL":             func(v string) { cfg.API.BaseURL = v },
		"TAMPAWEB_API_INTERNAL_TOKEN":       func(v string) { cfg.API.InternalToken = v },
		"TAMPAWEB_API_TIMEOUT":              func(v string) { cfg.API.Timeout = v },
		"TAMPAWEB_API_JWKS_URL":             func(v string) { cfg.API.JWKSURL = v },
		"TAMPAWEB_API_ISSUER":               func(v string) { cfg.API.Issuer = v },
		"TAMPAWEB_SESSION_MODE":             func(v string) { cfg.Session.Mode = v },
		"TAMPAWEB_SESSION_COOKIE_NAME":      func(v string) { cfg.Session.CookieName = v },
		"TAMPAWEB_SESSION_FORWARD_COOKIES":  func(v string) { cfg.Session.ForwardCookies = splitAndTrim(v) },
		"TAMPAWEB_CONSENT_ENVELOPE_SECRET":  func(v string) { cfg.Consent.EnvelopeSecret = v },
		"TAMPAWEB_CONSENT_FALLBACK_DELAY":   func(v string) { cfg.Consent.FallbackDelay = v },
		"TAMPAWEB_METRICS_ENABLED":          func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
		"TAMPAWEB_DEV_CLIENT_ID":            func(v string) { cfg.Dev.ClientID = v },
		"TAMPAWEB_DEV_CLIENT_SECRET":        func(v string) { cfg.Dev.ClientSecret = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// APITimeout is the per-call backend timeout.
func (c Config) APITimeout() time.Duration {
	return parseDuration(c.API.Timeout, DefaultAPITimeout)
}

// EnvelopeTTL bounds how long a rendered consent screen stays valid.
func (c Config) EnvelopeTTL() time.Duration {
	return parseDuration(c.Consent.EnvelopeTTL, DefaultEnvelopeTTL)
}

// FallbackDelay is how long the completion page waits before its meta refresh.
func (c Config) FallbackDelay() time.Duration {
	return parseDuration(c.Consent.FallbackDelay, DefaultFallbackDelay)
}

// LoginPath returns the configured login page, defaulting to /login.
func (c Config) LoginPath() string {
	if c.Server.LoginPath == "" {
		return DefaultLoginPath
	}
	return c.Server.LoginPath
}

// MetricsPath returns the prometheus endpoint path.
func (c Config) MetricsPath() string {
	if c.Metrics.Path == "" {
		return DefaultMetricsPath
	}
	return c.Metrics.Path
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("server.public_url must be an absolute http(s) URL, got: %s", c.Server.PublicURL)
	}

	if c.API.BaseURL == "" {
		slog.Error("Missing required configuration", "field", "api.base_url", "env", "EVENTS_API_URL")
		return errors.New("api.base_url (or EVENTS_API_URL) is required")
	}
	if !isHTTPURL(c.API.BaseURL) {
		slog.Error("Invalid configuration value", "field", "api.base_url", "value", c.API.BaseURL)
		return fmt.Errorf("api.base_url must be an absolute http(s) URL, got: %s", c.API.BaseURL)
	}

	durations := map[string]string{
		"api.timeout":            c.API.Timeout,
		"consent.envelope_ttl":   c.Consent.EnvelopeTTL,
		"consent.fallback_delay": c.Consent.FallbackDelay,
	}
	for field, val := range durations {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			slog.Error("Invalid duration", "field", field, "value", val)
			return fmt.Errorf("%s must be a positive duration, got: %q", field, val)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if lp := c.Server.LoginPath; lp != "" && !strings.HasPrefix(lp, "/") && !isHTTPURL(lp) {
		slog.Error("Invalid configuration value", "field", "server.login_path", "value", lp)
		return fmt.Errorf("server.login_path must be a path or absolute URL, got: %s", lp)
	}
	if strings.HasPrefix(c.Server.LoginPath, "//") {
		return fmt.Errorf("server.login_path must not be protocol-relative, got: %s", c.Server.LoginPath)
	}

	secret := c.Consent.EnvelopeSecret
	if secret == "" && !c.Server.DevMode {
		slog.Error("Missing required configuration for production mode", "field", "consent.envelope_secret")
		return errors.New("consent.envelope_secret is required in production")
	}
	if secret != "" && len(secret) < minEnvelopeSecret {
		slog.Error("Envelope secret too short", "field", "consent.envelope_secret", "min_length", minEnvelopeSecret)
		return fmt.Errorf("consent.envelope_secret must be at least %d bytes", minEnvelopeSecret)
	}

	known := scopes.DefaultTables().Order
	for scope, group := range c.Consent.ScopeAliases {
		if _, ok := known[group]; !ok {
			slog.Error("Unknown scope group", "field", "consent.scope_aliases", "scope", scope, "group", group)
			return fmt.Errorf("consent.scope_aliases[%s]: unknown group %q", scope, group)
		}
	}

	switch c.Session.Mode {
	case "", SessionModeAPI:
	case SessionModeJWT:
		if c.Session.CookieName == "" {
			return errors.New("session.cookie_name is required when session.mode is jwt")
		}
		if !isHTTPURL(c.API.JWKSURL) {
			slog.Error("Missing required configuration", "field", "api.jwks_url", "reason", "required when session.mode is jwt")
			return errors.New("api.jwks_url must be an absolute http(s) URL when session.mode is jwt")
		}
	default:
		slog.Error("Invalid session mode", "field", "session.mode", "value", c.Session.Mode, "valid_values", []string{SessionModeAPI, SessionModeJWT})
		return fmt.Errorf("session.mode must be %q or %q, got: %s", SessionModeAPI, SessionModeJWT, c.Session.Mode)
	}

	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got: %s", c.Metrics.Path)
	}

	if c.API.JWKSURL != "" && !isHTTPURL(c.API.JWKSURL) {
		return fmt.Errorf("api.jwks_url must be an absolute http(s) URL, got: %s", c.API.JWKSURL)
	}

	return nil
}
