package consent

import (
	"fmt"
	"net/url"
	"strings"
)

// Descriptions sent back to the client with OAuth error redirects.
const (
	DeniedDescription      = "The user denied the authorization request"
	ServerErrorDescription = "Failed to complete authorization"
)

var dangerousSchemes = []string{
	"javascript:",
	"data:",
	"file:",
	"vbscript:",
	"about:",
	"blob:",
}

// SafeRedirect reports whether uri may be used as a browser redirect target.
// Native app schemes such as myapp://callback are allowed; script-capable
// schemes, protocol-relative URLs and embedded credentials are not.
func SafeRedirect(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}

	lower := strings.ToLower(strings.TrimSpace(uri))
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return false
	}
	if u.User != nil {
		return false
	}
	if IsWebScheme(u.Scheme) && u.Host == "" {
		return false
	}
	return true
}

// IsWebScheme reports whether scheme is http or https.
func IsWebScheme(scheme string) bool {
	s := strings.ToLower(scheme)
	return s == "http" || s == "https"
}

// NavigatesAway reports whether a redirect to target reliably replaces the
// current page. Custom protocol handlers often leave the tab where it is.
func NavigatesAway(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return IsWebScheme(u.Scheme)
}

// FinalizeDenial builds the access_denied redirect for redirectURI. The
// client's own query parameters are preserved.
func FinalizeDenial(redirectURI, state string) (string, error) {
	return errorRedirect(redirectURI, "access_denied", DeniedDescription, state)
}

// ServerErrorRedirect builds the server_error redirect used when completion fails.
func ServerErrorRedirect(redirectURI, state string) (string, error) {
	return errorRedirect(redirectURI, "server_error", ServerErrorDescription, state)
}

func errorRedirect(redirectURI, code, desc, state string) (string, error) {
	if !SafeRedirect(redirectURI) {
		return "", fmt.Errorf("unsafe redirect_uri %q", redirectURI)
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parse redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	if state != "" {
		q.Set("state", state)
	} else {
		q.Del("state")
	}
	u.RawQuery = q.Encode()
	u.Fragment, u.RawFragment = "", ""
	return u.String(), nil
}
