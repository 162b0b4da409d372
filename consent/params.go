package consent

import (
	"encoding/json"
	"net/url"
	"strings"
)

// RequiredParams must be present on every /authorize request.
var RequiredParams = []string{"client_id", "redirect_uri", "response_type"}

// ValidateParams checks the raw authorize query for required parameters.
func ValidateParams(q url.Values) error {
	verr := &ValidationError{}
	for _, name := range RequiredParams {
		if strings.TrimSpace(q.Get(name)) == "" {
			verr.add(name, "is required")
		}
	}
	return verr.orNil()
}

// PromptRequiresConsent reports whether the prompt parameter asks for the
// interactive screen. prompt is a space-delimited list.
func PromptRequiresConsent(prompt string) bool {
	for _, p := range strings.Fields(prompt) {
		if p == "consent" {
			return true
		}
	}
	return false
}

// Intent is the user's choice on the consent screen.
type Intent string

const (
	IntentApprove Intent = "approve"
	IntentDeny    Intent = "deny"
)

// Decision is a validated consent form submission.
type Decision struct {
	Intent         Intent
	OAuthRequest   string
	UserID         string
	ApprovedScopes []string
	RedirectURI    string
	State          string
}

// ParseDecisionForm validates the consent form fields. approvedScopes is a
// JSON array of strings and is only required when approving.
func ParseDecisionForm(form url.Values) (Decision, error) {
	verr := &ValidationError{}
	d := Decision{
		Intent:       Intent(strings.TrimSpace(form.Get("intent"))),
		OAuthRequest: strings.TrimSpace(form.Get("oauthRequest")),
		UserID:       strings.TrimSpace(form.Get("userId")),
		RedirectURI:  strings.TrimSpace(form.Get("redirectUri")),
		State:        form.Get("state"),
	}

	switch d.Intent {
	case IntentApprove, IntentDeny:
	case "":
		verr.add("intent", "is required")
	default:
		verr.add("intent", "must be approve or deny")
	}
	if d.OAuthRequest == "" {
		verr.add("oauthRequest", "is required")
	}
	if d.UserID == "" {
		verr.add("userId", "is required")
	}
	if d.RedirectURI == "" {
		verr.add("redirectUri", "is required")
	}

	raw := strings.TrimSpace(form.Get("approvedScopes"))
	switch {
	case raw == "" && d.Intent == IntentApprove:
		verr.add("approvedScopes", "is required")
	case raw != "":
		var scopes []string
		if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
			verr.add("approvedScopes", "must be a JSON array of strings")
		} else {
			d.ApprovedScopes = scopes
		}
	}

	if err := verr.orNil(); err != nil {
		return Decision{}, err
	}
	return d, nil
}
