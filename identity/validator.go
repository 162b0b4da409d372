package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyFetch marks a failure to obtain the signing key set, as opposed to a
// token that fails verification.
var ErrKeyFetch = errors.New("jwks unavailable")

// ValidatorConfig configures session token validation.
type ValidatorConfig struct {
	Issuer    string
	JWKSURL   string
	Audiences []string
	CacheTTL  time.Duration
	// MinRefresh bounds how often a kid miss may force a JWKS fetch.
	MinRefresh time.Duration
	HTTPClient *http.Client
}

// Validator verifies RS256 session tokens signed by the events API.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	now    func() time.Time

	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// SessionClaims is the claim set carried by a session token.
type SessionClaims struct {
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// NewValidator applies defaults to cfg.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MinRefresh <= 0 {
		cfg.MinRefresh = 30 * time.Second
	}
	return &Validator{cfg: cfg, client: client, now: time.Now}
}

// Validate checks signature, expiry, issuer and audience and returns the claims.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*SessionClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.keys(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := &SessionClaims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			if refreshed, err := v.keys(ctx, true); err == nil {
				key = findKey(refreshed, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key %q not found", kid)
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}

	if claims.Subject == "" {
		return nil, errors.New("sub missing")
	}
	if len(v.cfg.Audiences) > 0 && !audienceAllowed(claims.Audience, v.cfg.Audiences) {
		return nil, errors.New("audience rejected")
	}
	return claims, nil
}

// keys returns the cached key set, fetching when it is stale. force requests
// a refetch for an unknown kid, limited to one per MinRefresh.
func (v *Validator) keys(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	now := v.now()
	fresh := cache.set.Keys != nil && now.Before(cache.expires)
	if fresh && (!force || now.Sub(cache.fetched) < v.cfg.MinRefresh) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" && !force {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cache.set.Keys != nil {
		cache.fetched = now
		cache.expires = now.Add(v.cfg.CacheTTL)
		v.store(cache)
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.store(jwksCache{
		set:     set,
		fetched: now,
		expires: now.Add(maxAge(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
		etag:    resp.Header.Get("ETag"),
	})
	return set, nil
}

func (v *Validator) store(c jwksCache) {
	v.mu.Lock()
	v.cache = c
	v.mu.Unlock()
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func audienceAllowed(aud jwt.ClaimStrings, expected []string) bool {
	for _, a := range aud {
		if slices.Contains(expected, a) {
			return true
		}
	}
	return false
}

func maxAge(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
