// Package consent drives the OAuth 2.1 authorization consent flow: deciding
// between silent re-consent and the interactive screen, and turning the
// user's decision into a correctly shaped redirect.
package consent

import (
	"context"
	"slices"
)

// AuthorizationRequest is the backend-parsed view of an inbound /authorize
// request. Values are copied, never mutated in place.
type AuthorizationRequest struct {
	ResponseType        string   `json:"responseType"`
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	Scope               []string `json:"scope"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
}

// WithNonce returns a copy carrying nonce. The backend parser strips it, so
// callers re-read it from the raw query string. An empty nonce leaves the
// request unchanged.
func (r AuthorizationRequest) WithNonce(nonce string) AuthorizationRequest {
	out := r
	out.Scope = slices.Clone(r.Scope)
	if nonce != "" {
		out.Nonce = nonce
	}
	return out
}

// ClientInfo describes the third-party application asking for access.
type ClientInfo struct {
	ClientID     string   `json:"clientId"`
	ClientName   string   `json:"clientName,omitempty"`
	LogoURI      string   `json:"logoUri,omitempty"`
	ClientURI    string   `json:"clientUri,omitempty"`
	PolicyURI    string   `json:"policyUri,omitempty"`
	TosURI       string   `json:"tosUri,omitempty"`
	RedirectURIs []string `json:"redirectUris,omitempty"`
}

// DisplayName falls back to the client id when no name is registered.
func (c ClientInfo) DisplayName() string {
	if c.ClientName != "" {
		return c.ClientName
	}
	return c.ClientID
}

// ExistingGrant is a prior consent record for a (user, client) pair.
type ExistingGrant struct {
	Scopes []string `json:"scopes"`
}

// ParsedRequest is the successful result of the backend parse call.
type ParsedRequest struct {
	Request       AuthorizationRequest
	Client        ClientInfo
	ExistingGrant *ExistingGrant
}

// CompleteRequest is the payload of the backend completion call.
type CompleteRequest struct {
	OAuthRequest   AuthorizationRequest `json:"oauthRequest"`
	UserID         string               `json:"userId"`
	ApprovedScopes []string             `json:"approvedScopes"`
}

// Completer finalizes an approval on the backend and returns the redirect
// target it minted.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}

// Backend is the authorization server as seen by the orchestrator.
type Backend interface {
	Completer
	ParseRequest(ctx context.Context, rawURL string) (*ParsedRequest, error)
}
