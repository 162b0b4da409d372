package consent

import "fmt"

// State is the position of one authorization request in the consent flow.
type State int

const (
	StateParsed State = iota
	StateAutoApproving
	StateAwaitingDecision
	StateCompleted
	StateDenied
	StateError
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateAutoApproving:
		return "auto_approving"
	case StateAwaitingDecision:
		return "awaiting_decision"
	case StateCompleted:
		return "completed"
	case StateDenied:
		return "denied"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further events are accepted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDenied || s == StateError
}

// EventKind enumerates the inputs of the state machine.
type EventKind int

const (
	EventAutoApprovalEligible EventKind = iota + 1
	EventAutoApprovalIneligible
	EventUserApproved
	EventUserDenied
	EventCompletionSucceeded
	EventCompletionFailed
	EventInvalidRequest
)

func (k EventKind) String() string {
	switch k {
	case EventAutoApprovalEligible:
		return "auto_approval_eligible"
	case EventAutoApprovalIneligible:
		return "auto_approval_ineligible"
	case EventUserApproved:
		return "user_approved"
	case EventUserDenied:
		return "user_denied"
	case EventCompletionSucceeded:
		return "completion_succeeded"
	case EventCompletionFailed:
		return "completion_failed"
	case EventInvalidRequest:
		return "invalid_request"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one input to Transition.
type Event struct {
	Kind EventKind
	// RedirectTo is the backend-minted target for EventCompletionSucceeded.
	RedirectTo string
	// RedirectURI and State identify the client callback for error redirects.
	RedirectURI string
	State       string
	// Message is shown to the user for EventInvalidRequest.
	Message string
}

// EffectKind enumerates what the caller must do after a transition.
type EffectKind int

const (
	EffectNone EffectKind = iota
	// EffectComplete asks the caller to run the backend completion call and
	// feed back EventCompletionSucceeded or EventCompletionFailed.
	EffectComplete
	EffectRenderConsent
	EffectRedirect
	EffectRenderError
)

// Effect is the side effect requested by a transition.
type Effect struct {
	Kind     EffectKind
	Location string
	Message  string
}

const invalidRedirectMessage = "The application's redirect address is invalid."

func completed(target string) (State, Effect, error) {
	if !SafeRedirect(target) {
		return StateError, Effect{Kind: EffectRenderError, Message: invalidRedirectMessage}, nil
	}
	return StateCompleted, Effect{Kind: EffectRedirect, Location: target}, nil
}

// Transition is the pure transition function of the consent flow.
func Transition(s State, e Event) (State, Effect, error) {
	if s.Terminal() {
		return s, Effect{}, fmt.Errorf("%w: %s on %s", ErrTerminal, e.Kind, s)
	}

	if e.Kind == EventInvalidRequest {
		return StateError, Effect{Kind: EffectRenderError, Message: e.Message}, nil
	}

	switch s {
	case StateParsed:
		switch e.Kind {
		case EventAutoApprovalEligible:
			return StateAutoApproving, Effect{Kind: EffectComplete}, nil
		case EventAutoApprovalIneligible:
			return StateAwaitingDecision, Effect{Kind: EffectRenderConsent}, nil
		}

	case StateAutoApproving:
		switch e.Kind {
		case EventCompletionSucceeded:
			return completed(e.RedirectTo)
		case EventCompletionFailed:
			// Silent re-consent failing is not fatal; ask the user instead.
			return StateAwaitingDecision, Effect{Kind: EffectRenderConsent}, nil
		}

	case StateAwaitingDecision:
		switch e.Kind {
		case EventUserApproved:
			return StateAwaitingDecision, Effect{Kind: EffectComplete}, nil
		case EventCompletionSucceeded:
			return completed(e.RedirectTo)
		case EventCompletionFailed:
			loc, err := ServerErrorRedirect(e.RedirectURI, e.State)
			if err != nil {
				return StateError, Effect{Kind: EffectRenderError, Message: invalidRedirectMessage}, nil
			}
			return StateError, Effect{Kind: EffectRedirect, Location: loc}, nil
		case EventUserDenied:
			loc, err := FinalizeDenial(e.RedirectURI, e.State)
			if err != nil {
				return StateError, Effect{Kind: EffectRenderError, Message: invalidRedirectMessage}, nil
			}
			return StateDenied, Effect{Kind: EffectRedirect, Location: loc}, nil
		}
	}

	return s, Effect{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e.Kind, s)
}
