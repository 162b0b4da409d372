package consent

import (
	"context"
	"errors"

	"tampaweb/scopes"
)

// DecideAutoApproval reports whether a request may skip the consent screen:
// a grant exists, prompt does not ask for consent, and every requested scope
// (already role-filtered) is covered by the grant.
func DecideAutoApproval(grant *ExistingGrant, requested []string, prompt string) bool {
	if grant == nil || PromptRequiresConsent(prompt) {
		return false
	}
	have := scopes.NewSet(grant.Scopes...)
	for _, sc := range requested {
		if !have.Has(sc) {
			return false
		}
	}
	return true
}

// FinalizeApproval asks the backend to mint the authorization response. The
// backend's redirect is returned verbatim. On failure the server_error
// redirect for the client is returned together with the error.
func FinalizeApproval(ctx context.Context, c Completer, req AuthorizationRequest, userID string, approved []string) (string, error) {
	target, err := c.Complete(ctx, CompleteRequest{
		OAuthRequest:   req,
		UserID:         userID,
		ApprovedScopes: approved,
	})
	if err == nil {
		return target, nil
	}
	fallback, rerr := ServerErrorRedirect(req.RedirectURI, req.State)
	if rerr != nil {
		return "", errors.Join(err, rerr)
	}
	return fallback, err
}
