package consent

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParamsMissing(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all missing", "", []string{"client_id", "redirect_uri", "response_type"}},
		{"no client", "redirect_uri=https://a.com/cb&response_type=code", []string{"client_id"}},
		{"no redirect", "client_id=x&response_type=code", []string{"redirect_uri"}},
		{"no response type", "client_id=x&redirect_uri=https://a.com/cb", []string{"response_type"}},
		{"blank values", "client_id=%20&redirect_uri=&response_type=code", []string{"client_id", "redirect_uri"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			err = ValidateParams(q)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.want, verr.FieldNames())
		})
	}
}

func TestValidateParamsComplete(t *testing.T) {
	q := url.Values{"client_id": {"x"}, "redirect_uri": {"https://a.com/cb"}, "response_type": {"code"}}
	assert.NoError(t, ValidateParams(q))
}

func TestPromptRequiresConsent(t *testing.T) {
	assert.True(t, PromptRequiresConsent("consent"))
	assert.True(t, PromptRequiresConsent("login consent"))
	assert.False(t, PromptRequiresConsent(""))
	assert.False(t, PromptRequiresConsent("none"))
	assert.False(t, PromptRequiresConsent("consented"))
}

func TestParseDecisionFormApprove(t *testing.T) {
	form := url.Values{
		"intent":         {"approve"},
		"oauthRequest":   {"sealed"},
		"userId":         {"u1"},
		"approvedScopes": {`["profile","read:events"]`},
		"redirectUri":    {"https://a.com/cb"},
		"state":          {"xyz"},
	}
	d, err := ParseDecisionForm(form)
	require.NoError(t, err)
	assert.Equal(t, IntentApprove, d.Intent)
	assert.Equal(t, []string{"profile", "read:events"}, d.ApprovedScopes)
	assert.Equal(t, "xyz", d.State)
}

func TestParseDecisionFormDenyWithoutScopes(t *testing.T) {
	form := url.Values{
		"intent":       {"deny"},
		"oauthRequest": {"sealed"},
		"userId":       {"u1"},
		"redirectUri":  {"https://a.com/cb"},
	}
	d, err := ParseDecisionForm(form)
	require.NoError(t, err)
	assert.Equal(t, IntentDeny, d.Intent)
	assert.Empty(t, d.ApprovedScopes)
}

func TestParseDecisionFormErrors(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
		want []string
	}{
		{"empty", url.Values{}, []string{"intent", "oauthRequest", "userId", "redirectUri"}},
		{"bad intent", url.Values{"intent": {"maybe"}, "oauthRequest": {"x"}, "userId": {"u"}, "redirectUri": {"r"}}, []string{"intent"}},
		{"approve without scopes", url.Values{"intent": {"approve"}, "oauthRequest": {"x"}, "userId": {"u"}, "redirectUri": {"r"}}, []string{"approvedScopes"}},
		{"scopes not json", url.Values{"intent": {"approve"}, "oauthRequest": {"x"}, "userId": {"u"}, "redirectUri": {"r"}, "approvedScopes": {"profile"}}, []string{"approvedScopes"}},
		{"scopes wrong type", url.Values{"intent": {"approve"}, "oauthRequest": {"x"}, "userId": {"u"}, "redirectUri": {"r"}, "approvedScopes": {`[1,2]`}}, []string{"approvedScopes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDecisionForm(tt.form)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.want, verr.FieldNames())
			assert.Contains(t, verr.Error(), "invalid request:")
		})
	}
}
