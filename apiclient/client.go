// Package apiclient talks to the Tampa.dev events API, which owns clients,
// grants, sessions and code issuance.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tampaweb/consent"
)

const (
	parseRequestPath = "/oauth/internal/parse-request"
	completePath     = "/oauth/internal/complete"
	mePath           = "/me"
	healthPath       = "/health"

	maxBodyBytes = 1 << 20
)

// ErrUnauthorized is returned by CurrentUser when the backend does not
// recognise the forwarded session.
var ErrUnauthorized = errors.New("apiclient: session not authorized")

// Observer receives one call per backend request. result is "ok",
// "upstream_error" or "error".
type Observer func(endpoint, result string, elapsed time.Duration)

// Config configures a Client.
type Config struct {
	BaseURL       string
	InternalToken string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Observer      Observer
}

// Client is safe for concurrent use.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	observer Observer
}

// User is the backend's view of the signed-in account.
type User struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("api base url must be absolute http(s), got %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, token: cfg.InternalToken, http: hc, observer: cfg.Observer}, nil
}

// BaseURL returns the normalised API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

type parseRequestBody struct {
	URL string `json:"url"`
}

type parseRequestResponse struct {
	Success       bool                          `json:"success"`
	OAuthRequest  *consent.AuthorizationRequest `json:"oauthRequest"`
	Client        *consent.ClientInfo           `json:"client"`
	ExistingGrant *consent.ExistingGrant        `json:"existingGrant"`
	Error         string                        `json:"error"`
}

// ParseRequest asks the backend to validate and parse an authorize URL.
func (c *Client) ParseRequest(ctx context.Context, rawURL string) (*consent.ParsedRequest, error) {
	var out parseRequestResponse
	status, err := c.postJSON(ctx, "parse-request", parseRequestPath, parseRequestBody{URL: rawURL}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, c.upstream("parse-request", status, out.Error)
	}
	if out.OAuthRequest == nil {
		return nil, errors.New("parse-request: response missing oauthRequest")
	}
	parsed := &consent.ParsedRequest{
		Request:       *out.OAuthRequest,
		ExistingGrant: out.ExistingGrant,
	}
	if out.Client != nil {
		parsed.Client = *out.Client
	} else {
		parsed.Client = consent.ClientInfo{ClientID: out.OAuthRequest.ClientID}
	}
	return parsed, nil
}

type completeResponse struct {
	Success    bool   `json:"success"`
	RedirectTo string `json:"redirectTo"`
	Error      string `json:"error"`
}

// Complete finalizes an approval and returns the redirect the backend minted.
func (c *Client) Complete(ctx context.Context, req consent.CompleteRequest) (string, error) {
	if req.ApprovedScopes == nil {
		req.ApprovedScopes = []string{}
	}
	var out completeResponse
	status, err := c.postJSON(ctx, "complete", completePath, req, &out)
	if err != nil {
		return "", err
	}
	if !out.Success {
		return "", c.upstream("complete", status, out.Error)
	}
	if out.RedirectTo == "" {
		return "", errors.New("complete: response missing redirectTo")
	}
	return out.RedirectTo, nil
}

// CurrentUser resolves the account behind the forwarded browser cookies.
func (c *Client) CurrentUser(ctx context.Context, cookies []*http.Cookie) (*User, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mePath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for _, ck := range cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("me", "error", start)
		return nil, fmt.Errorf("me: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.observe("me", "ok", start)
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		c.observe("me", "upstream_error", start)
		return nil, &consent.UpstreamError{Op: "me", Status: resp.StatusCode, Message: resp.Status}
	}

	var user User
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&user); err != nil {
		c.observe("me", "error", start)
		return nil, fmt.Errorf("me: decode response: %w", err)
	}
	c.observe("me", "ok", start)
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

// Health returns nil when the backend reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(healthPath), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("health", "error", start)
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe("health", "upstream_error", start)
		return fmt.Errorf("health: %s", resp.Status)
	}
	c.observe("health", "ok", start)
	return nil
}

// postJSON sends body and decodes the JSON answer into out. Non-2xx answers
// are decoded too since the backend reports success:false with an error
// status. The HTTP status is returned for error reporting.
func (c *Client) postJSON(ctx context.Context, name, path string, body, out any) (int, error) {
	start := time.Now()
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("%s: encode request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(name, "error", start)
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		c.observe(name, "error", start)
		return resp.StatusCode, fmt.Errorf("%s: decode response (status %d): %w", name, resp.StatusCode, err)
	}
	c.observe(name, resultFor(out), start)
	return resp.StatusCode, nil
}

func (c *Client) upstream(op string, status int, msg string) error {
	if msg == "" {
		msg = "request rejected by authorization server"
	}
	return &consent.UpstreamError{Op: op, Status: status, Message: msg}
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) observe(endpoint, result string, start time.Time) {
	if c.observer != nil {
		c.observer(endpoint, result, time.Since(start))
	}
}

func resultFor(out any) string {
	switch v := out.(type) {
	case *parseRequestResponse:
		if !v.Success {
			return "upstream_error"
		}
	case *completeResponse:
		if !v.Success {
			return "upstream_error"
		}
	}
	return "ok"
}
