package server

import (
	"context"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"tampaweb/apiclient"
	"tampaweb/consent"
)

const testSessionCookie = "good-session"

// fakeAPI stands in for the events API. It parses authorize URLs the way the
// backend does, dropping nonce, and mints redirects on completion.
type fakeAPI struct {
	srv *httptest.Server

	mu          sync.Mutex
	user        *apiclient.User
	client      consent.ClientInfo
	grant       *consent.ExistingGrant
	parseError  string
	completeErr string
	parseCalls  int
	meCalls     int
	parsedURLs  []string
	completed   []consent.CompleteRequest
	unhealthy   bool

	// redirectTo overrides the target returned by complete.
	redirectTo string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		user:   &apiclient.User{ID: "user-1", Role: "user", Name: "Test User"},
		client: consent.ClientInfo{ClientID: "client-1", ClientName: "Meetup Mirror"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/internal/parse-request", f.handleParse)
	mux.HandleFunc("/oauth/internal/complete", f.handleComplete)
	mux.HandleFunc("/me", f.handleMe)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		down := f.unhealthy
		f.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) handleParse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.parseCalls++
	f.parsedURLs = append(f.parsedURLs, body.URL)

	if f.parseError != "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": f.parseError})
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "bad url"})
		return
	}
	q := u.Query()
	req := consent.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               strings.Fields(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	client := f.client
	client.ClientID = req.ClientID
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"oauthRequest":  req,
		"client":        client,
		"existingGrant": f.grant,
	})
}

func (f *fakeAPI) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body consent.CompleteRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, body)

	if f.completeErr != "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": f.completeErr})
		return
	}
	target := body.OAuthRequest.RedirectURI + "?code=test-code"
	if body.OAuthRequest.State != "" {
		target += "&state=" + url.QueryEscape(body.OAuthRequest.State)
	}
	if f.redirectTo != "" {
		target = f.redirectTo
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "redirectTo": target})
}

func (f *fakeAPI) handleMe(w http.ResponseWriter, r *http.Request) {
	ck, err := r.Cookie("session")
	f.mu.Lock()
	f.meCalls++
	user := f.user
	f.mu.Unlock()
	if err != nil || ck.Value != testSessionCookie || user == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(user)
}

func (f *fakeAPI) completions() []consent.CompleteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]consent.CompleteRequest(nil), f.completed...)
}

func (f *fakeAPI) sessionLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meCalls
}

func (f *fakeAPI) parses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parseCalls
}

func testConfig(api *fakeAPI) Config {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.PublicURL = "https://auth.tampa.test"
	cfg.API.BaseURL = api.srv.URL
	cfg.Consent.EnvelopeSecret = testEnvelopeSecret
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	return app
}

func doRequest(t *testing.T, h http.Handler, method, target string, form url.Values, signedIn bool) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signedIn {
		req.AddCookie(&http.Cookie{Name: "session", Value: testSessionCookie})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var (
	formPattern  = regexp.MustCompile(`(?s)<form method="post"[^>]*>(.*?)</form>`)
	inputPattern = regexp.MustCompile(`<input type="hidden" name="(\w+)" value="([^"]*)">`)
)

// decisionForm extracts the hidden fields of the approve or deny form.
func decisionForm(t *testing.T, page, intent string) url.Values {
	t.Helper()
	for _, m := range formPattern.FindAllStringSubmatch(page, -1) {
		vals := url.Values{}
		for _, in := range inputPattern.FindAllStringSubmatch(m[1], -1) {
			vals.Set(in[1], html.UnescapeString(in[2]))
		}
		if vals.Get("intent") == intent {
			return vals
		}
	}
	t.Fatalf("no %s form in page:\n%s", intent, page)
	return nil
}
