package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tampaweb/consent"
	"tampaweb/identity"
)

const readyTimeout = 3 * time.Second

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := a.API.Health(ctx); err != nil {
		a.Logger.Warn("readiness probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "events api unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthorize serves GET /oauth/authorize.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if out, ok := a.Consent.Check(r.URL.Query()); !ok {
		a.respond(w, r, out, http.StatusFound)
		return
	}

	user, err := a.Identity.Resolve(r)
	if errors.Is(err, identity.ErrUnauthenticated) {
		a.Metrics.Outcome(outcomeLoginRequired)
		http.Redirect(w, r, a.loginRedirect(r), http.StatusFound)
		return
	}
	if err != nil {
		a.Logger.Error("resolve session", "request_id", RequestIDFromContext(r.Context()), "error", err)
		a.Metrics.Outcome(string(consent.ReasonNetworkError))
		a.renderError(w, http.StatusBadGateway, "Authorization failed", consent.MessageCommunication)
		return
	}
	r = noteUser(r, user)

	out := a.Consent.Begin(r.Context(), consent.BeginInput{
		Query:  r.URL.Query(),
		RawURL: a.publicURL(r.URL.RequestURI()),
		UserID: user.ID,
		Role:   user.Role,
	})
	a.respond(w, r, out, http.StatusFound)
}

// handleDecision serves the approve/deny form POST.
func (a *App) handleDecision(w http.ResponseWriter, r *http.Request) {
	user, err := a.Identity.Resolve(r)
	if errors.Is(err, identity.ErrUnauthenticated) {
		a.Metrics.Outcome(outcomeLoginRequired)
		a.renderPage(w, http.StatusUnauthorized, errorTemplate, errorView{
			Style:     pageStyle,
			Title:     "Sign in required",
			Message:   "Your session has ended. Sign in and return to the application to try again.",
			LoginLink: a.Config.LoginPath(),
		})
		return
	}
	if err != nil {
		a.Logger.Error("resolve session", "request_id", RequestIDFromContext(r.Context()), "error", err)
		a.Metrics.Outcome(string(consent.ReasonNetworkError))
		a.renderError(w, http.StatusBadGateway, "Authorization failed", consent.MessageCommunication)
		return
	}
	r = noteUser(r, user)

	if err := r.ParseForm(); err != nil {
		a.Metrics.Outcome(string(consent.ReasonInvalidRequest))
		a.renderError(w, http.StatusBadRequest, "Invalid request", "The submitted form could not be read.")
		return
	}
	decision, err := consent.ParseDecisionForm(r.PostForm)
	if err != nil {
		var verr *consent.ValidationError
		msg := "The submitted form is incomplete."
		if errors.As(err, &verr) {
			a.Logger.Warn("invalid consent form", "fields", verr.FieldNames())
		}
		a.Metrics.Outcome(string(consent.ReasonInvalidRequest))
		a.renderError(w, http.StatusBadRequest, "Invalid request", msg)
		return
	}

	out := a.Consent.Decide(r.Context(), decision, user.ID)
	a.respond(w, r, out, http.StatusSeeOther)
}

// respond turns an outcome into HTTP. redirectStatus is 302 after a GET and
// 303 after a POST so browsers never resubmit the form.
func (a *App) respond(w http.ResponseWriter, r *http.Request, out consent.Outcome, redirectStatus int) {
	a.Metrics.Outcome(string(out.Reason))

	switch {
	case out.Redirect != "":
		if consent.NavigatesAway(out.Redirect) {
			http.Redirect(w, r, out.Redirect, redirectStatus)
			return
		}
		if !consent.SafeRedirect(out.Redirect) {
			a.Logger.Error("refusing unsafe redirect target", "request_id", RequestIDFromContext(r.Context()))
			a.renderError(w, http.StatusInternalServerError, "Authorization failed", consent.MessageCommunication)
			return
		}
		a.renderComplete(w, out.Redirect)
	case out.Screen != nil:
		user, _ := identity.FromContext(r.Context())
		a.renderConsent(w, out.Screen, user)
	default:
		a.renderError(w, statusFor(out.Reason), "Authorization failed", out.Message)
	}
}

func statusFor(reason consent.Reason) int {
	switch reason {
	case consent.ReasonInvalidRequest, consent.ReasonUpstreamError:
		return http.StatusBadRequest
	case consent.ReasonNetworkError:
		return http.StatusBadGateway
	case consent.ReasonForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// loginRedirect keeps returnTo relative so the login page can only send the
// user back to this origin.
func (a *App) loginRedirect(r *http.Request) string {
	q := url.Values{"returnTo": {r.URL.RequestURI()}}
	login := a.Config.LoginPath()
	if strings.Contains(login, "?") {
		return login + "&" + q.Encode()
	}
	return login + "?" + q.Encode()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
