package server

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tampaweb/identity"
)

func TestSecurityHeaders(t *testing.T) {
	api := newFakeAPI(t)
	app := newTestApp(t, testConfig(api))

	rec := doRequest(t, app.Routes(), http.MethodGet, "/healthz", nil, false)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Fatalf("header %s: expected %q, got %q", k, v, got)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must only be sent over TLS")
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Fatalf("health responses are cacheable")
	}
}

func TestHSTSOnTLS(t *testing.T) {
	h := SecurityHeadersMiddleware(600)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "https://auth.tampa.test/", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=600; includeSubDomains" {
		t.Fatalf("unexpected HSTS header %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("expected inbound request id to be kept, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) != 36 {
		t.Fatalf("expected oversized request id to be replaced, got %q", seen)
	}
}

func TestLoggingMiddlewareRecordsUser(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		noteUser(r, &identity.User{ID: "user-9"})
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=c1", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "http_request" || entry["client_id"] != "c1" || entry["user_id"] != "user-9" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("expected status 418, got %v", entry["status"])
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RecoveryMiddleware(logger, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "kaboom") || !strings.Contains(buf.String(), "stack=") {
		t.Fatalf("expected panic and stack in log, got %s", buf.String())
	}
}

func TestMalformedAuthorizeRequests(t *testing.T) {
	api := newFakeAPI(t)
	api.client.ClientName = "<script>alert(1)</script>"
	app := newTestApp(t, testConfig(api))
	h := app.Routes()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "double slash", method: http.MethodGet, path: "//oauth/authorize?client_id=x", want: http.StatusNotFound},
		{name: "unsupported method", method: http.MethodPut, path: "/oauth/authorize", want: http.StatusMethodNotAllowed},
		{name: "script in client name", method: http.MethodGet, path: "/oauth/authorize?client_id=x&redirect_uri=https%3A%2F%2Fa.com%2Fcb&response_type=code", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, nil, true)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if strings.Contains(rec.Body.String(), "<script>alert") {
				t.Fatalf("unescaped client input in body")
			}
		})
	}
}
