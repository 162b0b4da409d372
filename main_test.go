package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tampaweb/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCheckSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/oauth/jwks":
			w.Write([]byte(`{"keys":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.API.BaseURL = srv.URL
	if err := runCheck(context.Background(), cfg, discardLogger(), nil); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}

	cfg.Session.Mode = server.SessionModeJWT
	cfg.API.JWKSURL = srv.URL + "/oauth/jwks"
	if err := runCheck(context.Background(), cfg, discardLogger(), nil); err != nil {
		t.Fatalf("runCheck with jwks returned error: %v", err)
	}
}

func TestRunCheckFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.API.BaseURL = srv.URL
	if err := runCheck(context.Background(), cfg, discardLogger(), nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunCheckMissingJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.Session.Mode = server.SessionModeJWT
	cfg.API.JWKSURL = srv.URL + "/missing"
	err := runCheck(context.Background(), cfg, discardLogger(), nil)
	if err == nil || !strings.Contains(err.Error(), "jwks") {
		t.Fatalf("expected jwks error, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestTLSVersion(t *testing.T) {
	if _, err := tlsVersion("1.1"); err == nil {
		t.Fatalf("expected error for tls 1.1")
	}
	for _, v := range []string{"", "1.2", "1.3"} {
		if _, err := tlsVersion(v); err != nil {
			t.Fatalf("tlsVersion(%q) returned error: %v", v, err)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := loadEnvFile(filepath.Join(dir, "missing.env"), false); err != nil {
		t.Fatalf("missing default env file should be ignored: %v", err)
	}
	if err := loadEnvFile(filepath.Join(dir, "missing.env"), true); err == nil {
		t.Fatalf("expected error for explicit missing env file")
	}

	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("TAMPAWEB_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("TAMPAWEB_TEST_DOTENV", "")
	os.Unsetenv("TAMPAWEB_TEST_DOTENV")
	if err := loadEnvFile(path, true); err != nil {
		t.Fatalf("loadEnvFile returned error: %v", err)
	}
	if got := os.Getenv("TAMPAWEB_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("expected dotenv value, got %q", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), discardLogger()); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestConfigInitWritesValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	if err := runConfigInit(path, strings.NewReader(""), io.Discard, true, discardLogger()); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.Consent.EnvelopeSecret) != 64 {
		t.Fatalf("expected generated envelope secret, got %q", cfg.Consent.EnvelopeSecret)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config is invalid: %v", err)
	}

	if err := runConfigInit(path, strings.NewReader(""), io.Discard, true, discardLogger()); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestRunSetupProduction(t *testing.T) {
	input := strings.Join([]string{
		"n",
		"auth.tampa.dev",
		"ops@tampa.dev",
		"https://api.tampa.dev/",
		"internal-token",
		"",
	}, "\n") + "\n"

	var out bytes.Buffer
	cfg := runSetup(bufio.NewReader(strings.NewReader(input)), &out, server.DefaultConfig())

	if cfg.Server.DevMode {
		t.Fatalf("expected production mode")
	}
	if cfg.Server.PublicURL != "https://auth.tampa.dev" {
		t.Fatalf("unexpected public url %q", cfg.Server.PublicURL)
	}
	if cfg.API.BaseURL != "https://api.tampa.dev" {
		t.Fatalf("unexpected api url %q", cfg.API.BaseURL)
	}
	if cfg.API.InternalToken != "internal-token" {
		t.Fatalf("unexpected internal token %q", cfg.API.InternalToken)
	}
	if cfg.LoginPath() != "/login" {
		t.Fatalf("expected default login path, got %q", cfg.LoginPath())
	}
	if !strings.Contains(out.String(), "Primary public domain") {
		t.Fatalf("expected domain prompt in output")
	}
}

func TestConfigValidateCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := server.DefaultConfig()
	cfg.API.BaseURL = srv.URL
	if err := writeConfigFile(path, cfg); err != nil {
		t.Fatalf("writeConfigFile: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(""), &out)
	cmd.SetArgs([]string{"--config", path, "--env-file", "", "config", "validate"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out.String(), "configuration is valid") {
		t.Fatalf("expected success log, got %s", out.String())
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://auth.tampa.dev/oauth/authorize?client_id=x", nil)
	rec := httptest.NewRecorder()
	redirectToHTTPS(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://auth.tampa.dev/oauth/authorize?client_id=x" {
		t.Fatalf("unexpected location %q", loc)
	}
}
