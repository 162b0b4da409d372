package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
)

const playgroundFlowTTL = 10 * time.Minute

// PlaygroundFlow is one authorization round trip started from /dev/oauth.
type PlaygroundFlow struct {
	State      string
	Nonce      string
	Verifier   string
	Scope      string
	AuthURL    string
	AuthParams url.Values
	CreatedAt  time.Time
}

// Playground drives a real authorization code + PKCE flow against this
// service so the consent screen can be exercised end to end.
type Playground struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	flows    *cache.Cache
	scope    string
	secret   string
	logger   *slog.Logger
}

// NewPlayground builds the dev playground. ctx bounds JWKS fetches.
func NewPlayground(ctx context.Context, cfg Config, logger *slog.Logger) (*Playground, error) {
	if cfg.Dev.ClientID == "" {
		return nil, errors.New("dev.client_id is required in dev mode")
	}
	public := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	api := strings.TrimSuffix(cfg.API.BaseURL, "/")

	style := oauth2.AuthStyleInHeader
	if cfg.Dev.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}

	jwksURL := cfg.API.JWKSURL
	if jwksURL == "" {
		jwksURL = api + "/oauth/jwks"
	}
	issuer := cfg.API.Issuer
	if issuer == "" {
		issuer = api
	}
	keys := oidc.NewRemoteKeySet(ctx, jwksURL)

	return &Playground{
		oauth: oauth2.Config{
			ClientID:     cfg.Dev.ClientID,
			ClientSecret: cfg.Dev.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   public + "/oauth/authorize",
				TokenURL:  api + "/oauth/token",
				AuthStyle: style,
			},
			RedirectURL: public + "/dev/oauth/result",
		},
		verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: cfg.Dev.ClientID}),
		flows:    cache.New(playgroundFlowTTL, 2*playgroundFlowTTL),
		scope:    cfg.Dev.Scope,
		secret:   cfg.Dev.ClientSecret,
		logger:   logger,
	}, nil
}

// Start records a new flow and returns it with its authorize URL.
func (p *Playground) Start(scope string, extra ...oauth2.AuthCodeOption) *PlaygroundFlow {
	scope = strings.Join(strings.Fields(scope), " ")
	if scope == "" {
		scope = p.scope
	}
	flow := &PlaygroundFlow{
		State:     uuid.NewString(),
		Nonce:     uuid.NewString(),
		Verifier:  oauth2.GenerateVerifier(),
		Scope:     scope,
		CreatedAt: time.Now(),
	}

	conf := p.oauth
	conf.Scopes = strings.Fields(scope)
	opts := append([]oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(flow.Verifier),
		oauth2.SetAuthURLParam("nonce", flow.Nonce),
	}, extra...)
	flow.AuthURL = conf.AuthCodeURL(flow.State, opts...)
	if u, err := url.Parse(flow.AuthURL); err == nil {
		flow.AuthParams = u.Query()
	}

	p.flows.Set(flow.State, flow, cache.DefaultExpiration)
	return flow
}

// Lookup finds a pending flow by state and removes it.
func (p *Playground) Lookup(state string) (*PlaygroundFlow, bool) {
	v, ok := p.flows.Get(state)
	if !ok {
		return nil, false
	}
	p.flows.Delete(state)
	flow, ok := v.(*PlaygroundFlow)
	return flow, ok
}

// PlaygroundResult is what the callback learned.
type PlaygroundResult struct {
	Token   *oauth2.Token
	IDToken *oidc.IDToken
	Claims  map[string]any
}

// Exchange redeems code with the flow's verifier and checks any id_token.
func (p *Playground) Exchange(ctx context.Context, flow *PlaygroundFlow, code string) (*PlaygroundResult, error) {
	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	res := &PlaygroundResult{Token: tok}

	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return res, nil
	}
	idt, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return res, fmt.Errorf("verify id_token: %w", err)
	}
	if idt.Nonce != flow.Nonce {
		return res, errors.New("id_token nonce does not match the request")
	}
	res.IDToken = idt
	claims := map[string]any{}
	if err := idt.Claims(&claims); err == nil {
		res.Claims = claims
	}
	return res, nil
}

type kv struct {
	Key   string
	Value string
}

type playgroundView struct {
	Style        template.CSS
	Step         string
	ClientID     string
	Secret       string
	Scope        string
	RedirectURL  string
	Params       []kv
	Callback     []kv
	Error        string
	TokenJSON    string
	ClaimsJSON   string
	AccessToken  string
	RefreshToken string
}

var playgroundTemplate = template.Must(template.New("playground").Funcs(template.FuncMap{
	"eq": func(a, b string) bool { return a == b },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>OAuth Playground</title>
<style>{{.Style}}
body { max-width: 860px; }
.code { background: #f5f5f5; padding: 1rem; border-radius: 8px; font-family: monospace; white-space: pre-wrap; word-break: break-word; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; }
th { background: #f0f0f5; }
input[type=text] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; box-sizing: border-box; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
</style>
</head>
<body>
<h1>OAuth Playground</h1>
<p class="muted">Runs an authorization code flow with PKCE against this consent service. Available only in development mode.</p>
<table>
  <tbody>
    <tr><th>Client ID</th><td>{{.ClientID}}</td></tr>
    <tr><th>Client secret</th><td>{{if .Secret}}{{.Secret}}{{else}}(public client; PKCE only){{end}}</td></tr>
    <tr><th>Redirect URI</th><td>{{.RedirectURL}}</td></tr>
  </tbody>
</table>
{{if eq .Step "index"}}
<section>
  <form method="post" action="/dev/oauth/start" style="margin-top:1.5rem;">
    <label for="scope">Scopes (space separated)</label>
    <input id="scope" name="scope" type="text" value="{{.Scope}}">
    <label><input type="checkbox" name="prompt" value="consent"> Force the consent screen (prompt=consent)</label>
    <button type="submit" class="approve">Start authorization</button>
  </form>
</section>
{{else}}
<section>
  <h2>Callback parameters</h2>
  <table>
    <thead><tr><th>Key</th><th>Value</th></tr></thead>
    <tbody>
    {{range .Callback}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>{{end}}
    </tbody>
  </table>
  {{if .Params}}
  <h2>Authorization request</h2>
  <table>
    <thead><tr><th>Key</th><th>Value</th></tr></thead>
    <tbody>
    {{range .Params}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>{{end}}
    </tbody>
  </table>
  {{end}}
</section>
<section>
  <h2>Result</h2>
  {{if .Error}}<div class="card error">{{.Error}}</div>{{end}}
  {{if .TokenJSON}}
    <h3>Token response</h3>
    <div class="code">{{.TokenJSON}}</div>
    <h3>Access token</h3>
    <div class="code">{{.AccessToken}}</div>
    {{if .RefreshToken}}<h3>Refresh token</h3><div class="code">{{.RefreshToken}}</div>{{end}}
  {{end}}
  {{if .ClaimsJSON}}
    <h3>Verified id_token claims</h3>
    <div class="code">{{.ClaimsJSON}}</div>
  {{end}}
  <p><a href="/dev/oauth">Start another flow</a></p>
</section>
{{end}}
</body>
</html>
`))

func (p *Playground) view(step string) playgroundView {
	return playgroundView{
		Style:       pageStyle,
		Step:        step,
		ClientID:    p.oauth.ClientID,
		Secret:      maskSecret(p.secret),
		Scope:       p.scope,
		RedirectURL: p.oauth.RedirectURL,
	}
}

func (p *Playground) handleIndex(w http.ResponseWriter, r *http.Request) {
	p.render(w, http.StatusOK, p.view("index"))
}

func (p *Playground) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	var opts []oauth2.AuthCodeOption
	if r.PostForm.Get("prompt") == "consent" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	flow := p.Start(r.PostForm.Get("scope"), opts...)
	p.logger.Debug("playground flow started", "state", flow.State, "scope", flow.Scope)
	http.Redirect(w, r, flow.AuthURL, http.StatusSeeOther)
}

func (p *Playground) handleResult(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	view := p.view("result")
	view.Callback = valuesToPairs(query)

	flow, ok := p.Lookup(query.Get("state"))
	if !ok {
		view.Error = "Unknown or expired playground flow."
		p.render(w, http.StatusBadRequest, view)
		return
	}
	view.Params = valuesToPairs(flow.AuthParams)
	view.Scope = flow.Scope

	if errParam := query.Get("error"); errParam != "" {
		view.Error = errParam
		if desc := strings.TrimSpace(query.Get("error_description")); desc != "" {
			view.Error += ": " + desc
		}
		p.render(w, http.StatusOK, view)
		return
	}
	code := query.Get("code")
	if code == "" {
		view.Error = "authorization code missing in callback"
		p.render(w, http.StatusOK, view)
		return
	}

	res, err := p.Exchange(r.Context(), flow, code)
	if err != nil {
		p.logger.Warn("playground exchange failed", "state", flow.State, "error", err)
		view.Error = err.Error()
	}
	if res != nil && res.Token != nil {
		view.AccessToken = res.Token.AccessToken
		view.RefreshToken = res.Token.RefreshToken
		if b, err := json.MarshalIndent(res.Token, "", "  "); err == nil {
			view.TokenJSON = string(b)
		}
	}
	if res != nil && res.Claims != nil {
		if b, err := json.MarshalIndent(res.Claims, "", "  "); err == nil {
			view.ClaimsJSON = string(b)
		}
	}
	p.render(w, http.StatusOK, view)
}

func (p *Playground) render(w http.ResponseWriter, status int, view playgroundView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := playgroundTemplate.Execute(w, view); err != nil {
		p.logger.Error("render playground", "error", err)
	}
}

func valuesToPairs(vals url.Values) []kv {
	if vals == nil {
		return nil
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]kv, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kv{Key: k, Value: strings.Join(vals[k], ", ")})
	}
	return pairs
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
