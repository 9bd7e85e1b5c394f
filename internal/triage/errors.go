package triage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures inside a turn.
type ErrorKind string

const (
	// KindClassification covers gateway or schema failures while classifying.
	KindClassification ErrorKind = "classification"
	// KindResponder covers gateway or schema failures while generating a reply.
	KindResponder ErrorKind = "responder"
	// KindEnrichment covers lookup failures; these never leave a responder.
	KindEnrichment ErrorKind = "enrichment"
	// KindConfiguration covers invalid turns and missing collaborators.
	KindConfiguration ErrorKind = "configuration"
)

// Error is the typed failure used across the triage workflow.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("triage: %s error in %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("triage: %s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err carries a triage Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}
