package consent

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"tampaweb/scopes"
)

// Reason labels how a request ended. It feeds logs and metrics.
type Reason string

const (
	ReasonAutoApproved    Reason = "auto_approved"
	ReasonConsentRequired Reason = "consent_required"
	ReasonApproved        Reason = "approved"
	ReasonDenied          Reason = "denied"
	ReasonServerError     Reason = "server_error"
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonUpstreamError   Reason = "upstream_error"
	ReasonNetworkError    Reason = "network_error"
	ReasonForbidden       Reason = "forbidden"
)

// User-facing messages for terminal in-page errors.
const (
	MessageCommunication = "Failed to communicate with authorization server"
	MessageExpired       = "This authorization request has expired. Please return to the application and try again."
	MessageForbidden     = "This authorization request belongs to a different account."
	MessageScopeMismatch = "The approved permissions do not match the original request."
)

// Screen is everything the consent page renders.
type Screen struct {
	Client  ClientInfo
	Groups  []scopes.Group
	Request AuthorizationRequest
	UserID  string
	// Scopes is the exact list submitted as approvedScopes.
	Scopes   []string
	Envelope string
}

// Outcome is the result of driving a request through the state machine.
type Outcome struct {
	State    State
	Reason   Reason
	Redirect string
	Screen   *Screen
	Message  string
}

// BeginInput describes an inbound GET /oauth/authorize.
type BeginInput struct {
	// Query is the raw query string of the request.
	Query url.Values
	// RawURL is the full authorize URL forwarded to the backend parser.
	RawURL string
	UserID string
	Role   string
}

// Orchestrator runs the consent flow for one request at a time. It keeps no
// per-request state between calls.
type Orchestrator struct {
	backend    Backend
	classifier *scopes.Classifier
	sealer     *Sealer
	logger     *slog.Logger
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(backend Backend, classifier *scopes.Classifier, sealer *Sealer, logger *slog.Logger) *Orchestrator {
	if classifier == nil {
		classifier = scopes.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{backend: backend, classifier: classifier, sealer: sealer, logger: logger}
}

// Check validates the required authorize parameters without contacting the
// backend. ok is false when out is a terminal error.
func (o *Orchestrator) Check(q url.Values) (out Outcome, ok bool) {
	err := ValidateParams(q)
	if err == nil {
		return Outcome{}, true
	}
	var verr *ValidationError
	msg := "Invalid authorization request."
	if errors.As(err, &verr) {
		msg = "Invalid authorization request: missing " + strings.Join(verr.FieldNames(), ", ") + "."
	}
	return o.fail(StateParsed, ReasonInvalidRequest, msg), false
}

// Begin handles the GET side: validation, parsing, auto-approval and the
// consent screen.
func (o *Orchestrator) Begin(ctx context.Context, in BeginInput) Outcome {
	state := StateParsed

	if out, ok := o.Check(in.Query); !ok {
		return out
	}

	parsed, err := o.backend.ParseRequest(ctx, in.RawURL)
	if err != nil {
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			o.logger.Warn("authorize parse rejected", "client_id", in.Query.Get("client_id"), "error", err)
			msg := upstream.Message
			if msg == "" {
				msg = "The authorization request could not be processed."
			}
			return o.fail(state, ReasonUpstreamError, msg)
		}
		o.logger.Error("authorize parse failed", "client_id", in.Query.Get("client_id"), "error", err)
		return o.fail(state, ReasonNetworkError, MessageCommunication)
	}

	req := parsed.Request.WithNonce(in.Query.Get("nonce"))
	if !SafeRedirect(req.RedirectURI) {
		o.logger.Warn("authorize redirect_uri rejected", "client_id", req.ClientID)
		return o.fail(state, ReasonInvalidRequest, invalidRedirectMessage)
	}
	eligible := dedupe(o.classifier.FilterForRole(req.Scope, in.Role))

	event := Event{Kind: EventAutoApprovalIneligible}
	if DecideAutoApproval(parsed.ExistingGrant, eligible, in.Query.Get("prompt")) {
		event.Kind = EventAutoApprovalEligible
	}
	state, effect, err := Transition(state, event)
	if err != nil {
		return o.fail(state, ReasonServerError, MessageCommunication)
	}

	if effect.Kind == EffectComplete {
		target, cerr := o.backend.Complete(ctx, CompleteRequest{
			OAuthRequest:   req,
			UserID:         in.UserID,
			ApprovedScopes: eligible,
		})
		next := Event{Kind: EventCompletionSucceeded, RedirectTo: target}
		if cerr != nil {
			o.logger.Warn("auto-approval failed, showing consent screen", "client_id", req.ClientID, "error", cerr)
			next = Event{Kind: EventCompletionFailed, RedirectURI: req.RedirectURI, State: req.State}
		}
		state, effect, err = Transition(state, next)
		if err != nil {
			return o.fail(state, ReasonServerError, MessageCommunication)
		}
		if effect.Kind == EffectRedirect {
			o.logger.Info("authorize auto-approved", "client_id", req.ClientID, "user_id", in.UserID)
			return Outcome{State: state, Reason: ReasonAutoApproved, Redirect: effect.Location}
		}
		if effect.Kind == EffectRenderError {
			o.logger.Error("auto-approval returned an unusable redirect", "client_id", req.ClientID)
			return Outcome{State: state, Reason: ReasonServerError, Message: effect.Message}
		}
	}

	envelope, err := o.sealer.Seal(Sealed{Request: req, UserID: in.UserID, Scopes: eligible})
	if err != nil {
		o.logger.Error("seal consent envelope", "error", err)
		return o.fail(state, ReasonServerError, MessageCommunication)
	}

	return Outcome{
		State:  state,
		Reason: ReasonConsentRequired,
		Screen: &Screen{
			Client:   parsed.Client,
			Groups:   o.classifier.Group(eligible),
			Request:  req,
			UserID:   in.UserID,
			Scopes:   eligible,
			Envelope: envelope,
		},
	}
}

// Decide handles the POST side. sessionUserID is the user resolved from the
// browser session, which must match the user the screen was rendered for.
func (o *Orchestrator) Decide(ctx context.Context, d Decision, sessionUserID string) Outcome {
	state := StateAwaitingDecision

	sealed, err := o.sealer.Open(d.OAuthRequest)
	if err != nil {
		o.logger.Warn("consent envelope rejected", "error", err)
		return o.fail(state, ReasonInvalidRequest, MessageExpired)
	}
	req := sealed.Request

	if sealed.UserID != d.UserID || sealed.UserID != sessionUserID {
		o.logger.Warn("consent user mismatch", "client_id", req.ClientID, "session_user", sessionUserID, "form_user", d.UserID)
		return o.fail(state, ReasonForbidden, MessageForbidden)
	}
	if d.RedirectURI != req.RedirectURI || d.State != req.State {
		o.logger.Warn("consent form does not match envelope", "client_id", req.ClientID)
		return o.fail(state, ReasonInvalidRequest, MessageExpired)
	}

	if d.Intent == IntentDeny {
		state, effect, err := Transition(state, Event{Kind: EventUserDenied, RedirectURI: req.RedirectURI, State: req.State})
		return o.finish(state, effect, err, ReasonDenied)
	}

	for _, sc := range d.ApprovedScopes {
		if !slices.Contains(sealed.Scopes, sc) {
			o.logger.Warn("approved scope outside request", "client_id", req.ClientID, "scope", sc)
			return o.fail(state, ReasonInvalidRequest, MessageScopeMismatch)
		}
	}

	state, effect, err := Transition(state, Event{Kind: EventUserApproved})
	if err != nil || effect.Kind != EffectComplete {
		return o.fail(state, ReasonServerError, MessageCommunication)
	}

	target, cerr := FinalizeApproval(ctx, o.backend, req, sealed.UserID, d.ApprovedScopes)
	if cerr != nil {
		o.logger.Error("authorize completion failed", "client_id", req.ClientID, "user_id", sealed.UserID, "error", cerr)
		state, effect, err = Transition(state, Event{Kind: EventCompletionFailed, RedirectURI: req.RedirectURI, State: req.State})
		return o.finish(state, effect, err, ReasonServerError)
	}

	o.logger.Info("authorize approved", "client_id", req.ClientID, "user_id", sealed.UserID, "scopes", len(d.ApprovedScopes))
	state, effect, err = Transition(state, Event{Kind: EventCompletionSucceeded, RedirectTo: target})
	return o.finish(state, effect, err, ReasonApproved)
}

func (o *Orchestrator) finish(state State, effect Effect, err error, reason Reason) Outcome {
	if err != nil {
		o.logger.Error("consent transition", "state", state.String(), "error", err)
		return Outcome{State: StateError, Reason: ReasonServerError, Message: MessageCommunication}
	}
	switch effect.Kind {
	case EffectRedirect:
		return Outcome{State: state, Reason: reason, Redirect: effect.Location}
	case EffectRenderError:
		return Outcome{State: state, Reason: ReasonInvalidRequest, Message: effect.Message}
	default:
		return Outcome{State: StateError, Reason: ReasonServerError, Message: MessageCommunication}
	}
}

func (o *Orchestrator) fail(state State, reason Reason, msg string) Outcome {
	next, effect, err := Transition(state, Event{Kind: EventInvalidRequest, Message: msg})
	if err != nil {
		next, effect.Message = StateError, msg
	}
	return Outcome{State: next, Reason: reason, Message: effect.Message}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, sc := range in {
		if !slices.Contains(out, sc) {
			out = append(out, sc)
		}
	}
	return out
}
