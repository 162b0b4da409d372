package consent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned for an event the current state does not accept.
	ErrInvalidTransition = errors.New("consent: invalid transition")
	// ErrTerminal is returned for any event delivered after a terminal state.
	ErrTerminal = errors.New("consent: request already finished")
	// ErrEnvelope is returned when a sealed request fails verification.
	ErrEnvelope = errors.New("consent: invalid or expired request envelope")
)

// FieldError names one invalid input field.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError reports missing or malformed request fields.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Reason)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// FieldNames lists the offending fields in order.
func (e *ValidationError) FieldNames() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Field)
	}
	return out
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// UpstreamError is a failure reported by the authorization server itself
// (success:false), as opposed to a transport failure.
type UpstreamError struct {
	Op      string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}
