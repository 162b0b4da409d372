package consent

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cb := "https://app.example.com/cb"
	tests := []struct {
		name       string
		from       State
		event      Event
		wantState  State
		wantEffect EffectKind
	}{
		{"parsed eligible", StateParsed, Event{Kind: EventAutoApprovalEligible}, StateAutoApproving, EffectComplete},
		{"parsed ineligible", StateParsed, Event{Kind: EventAutoApprovalIneligible}, StateAwaitingDecision, EffectRenderConsent},
		{"auto success", StateAutoApproving, Event{Kind: EventCompletionSucceeded, RedirectTo: cb + "?code=c"}, StateCompleted, EffectRedirect},
		{"auto failure downgrades", StateAutoApproving, Event{Kind: EventCompletionFailed, RedirectURI: cb}, StateAwaitingDecision, EffectRenderConsent},
		{"user approved", StateAwaitingDecision, Event{Kind: EventUserApproved}, StateAwaitingDecision, EffectComplete},
		{"approve success", StateAwaitingDecision, Event{Kind: EventCompletionSucceeded, RedirectTo: cb + "?code=c"}, StateCompleted, EffectRedirect},
		{"approve failure", StateAwaitingDecision, Event{Kind: EventCompletionFailed, RedirectURI: cb, State: "s"}, StateError, EffectRedirect},
		{"deny", StateAwaitingDecision, Event{Kind: EventUserDenied, RedirectURI: cb, State: "s"}, StateDenied, EffectRedirect},
		{"auto unsafe target", StateAutoApproving, Event{Kind: EventCompletionSucceeded, RedirectTo: "javascript:alert(1)"}, StateError, EffectRenderError},
		{"approve unsafe target", StateAwaitingDecision, Event{Kind: EventCompletionSucceeded, RedirectTo: "data:text/html,x"}, StateError, EffectRenderError},
		{"deny unsafe uri", StateAwaitingDecision, Event{Kind: EventUserDenied, RedirectURI: "javascript:alert(1)"}, StateError, EffectRenderError},
		{"invalid from parsed", StateParsed, Event{Kind: EventInvalidRequest, Message: "m"}, StateError, EffectRenderError},
		{"invalid from auto", StateAutoApproving, Event{Kind: EventInvalidRequest, Message: "m"}, StateError, EffectRenderError},
		{"invalid from awaiting", StateAwaitingDecision, Event{Kind: EventInvalidRequest, Message: "m"}, StateError, EffectRenderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effect, err := Transition(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got)
			assert.Equal(t, tt.wantEffect, effect.Kind)
		})
	}
}

func TestTransitionRedirectTargets(t *testing.T) {
	_, effect, err := Transition(StateAutoApproving, Event{Kind: EventCompletionSucceeded, RedirectTo: "myapp://cb?code=abc"})
	require.NoError(t, err)
	assert.Equal(t, "myapp://cb?code=abc", effect.Location, "backend target is used verbatim")

	_, effect, err = Transition(StateAwaitingDecision, Event{Kind: EventCompletionFailed, RedirectURI: "https://a.com/cb", State: "xyz"})
	require.NoError(t, err)
	u, err := url.Parse(effect.Location)
	require.NoError(t, err)
	assert.Equal(t, "server_error", u.Query().Get("error"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestTransitionRejectsTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateDenied, StateError} {
		got, _, err := Transition(s, Event{Kind: EventUserApproved})
		assert.True(t, errors.Is(err, ErrTerminal), "state %s", s)
		assert.Equal(t, s, got)
		assert.True(t, s.Terminal())
	}
}

func TestTransitionRejectsUnknownPairs(t *testing.T) {
	tests := []struct {
		from  State
		event EventKind
	}{
		{StateParsed, EventUserApproved},
		{StateParsed, EventCompletionSucceeded},
		{StateAutoApproving, EventUserDenied},
		{StateAwaitingDecision, EventAutoApprovalEligible},
	}
	for _, tt := range tests {
		got, _, err := Transition(tt.from, Event{Kind: tt.event})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s + %s", tt.from, tt.event)
		assert.Equal(t, tt.from, got)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "awaiting_decision", StateAwaitingDecision.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, "user_denied", EventUserDenied.String())
}
