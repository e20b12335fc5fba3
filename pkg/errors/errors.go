// Package errors implements the error-kind taxonomy of spec §7: each
// failure the engine can encounter is tagged with a Kind that tells the
// caller how to react (skip the item, degrade by sanitation, propagate and
// exit). Grounded on the teacher's ErrorBuilder/DistributedError pattern,
// narrowed to the kinds the engine actually raises.
package errors

import (
	"fmt"
	"time"
)

// Kind is one of the abstract error kinds named in spec §7.
type Kind string

const (
	// TransientIO covers store, admin, or namespace-service RPC failures.
	// The caller should log at warn, skip the affected item, and continue
	// the tick.
	TransientIO Kind = "transient_io"

	// Misconfiguration covers resource usage above 100%, a zero fleet
	// average, or a zero weight sum. The caller degrades via sanitation
	// or returns an empty plan.
	Misconfiguration Kind = "misconfiguration"

	// InvariantViolation covers states the data model promises can't
	// happen, e.g. an overloaded broker that owns zero bundles.
	InvariantViolation Kind = "invariant_violation"

	// InvalidContext is a programmer error: a selection adapter was
	// handed a context value of the wrong concrete type. Not
	// runtime-recoverable.
	InvalidContext Kind = "invalid_context"

	// Fatal signals a shutdown request; the tick must exit.
	Fatal Kind = "fatal"
)

// Error is the engine's error type: a Kind plus a message and an optional
// wrapped cause, with enough context to reconstruct what failed and when.
type Error struct {
	Kind      Kind
	Op        string // the operation that failed, e.g. "ThresholdShedder.Plan"
	Broker    string // optional: the broker involved, if any
	Bundle    string // optional: the bundle involved, if any
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	if e.Broker != "" {
		msg += fmt.Sprintf(" (broker=%s)", e.Broker)
	}
	if e.Bundle != "" {
		msg += fmt.Sprintf(" (bundle=%s)", e.Bundle)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind and Op so callers can do errors.Is(err, &Error{Kind: TransientIO}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return true
}

// Builder provides a fluent interface for constructing an *Error, mirroring
// the teacher's ErrorBuilder without the HTTP/reporting machinery this
// engine has no use for.
type Builder struct {
	err *Error
}

// New starts building an error for the given operation.
func New(op, message string) *Builder {
	return &Builder{err: &Error{
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}}
}

func (b *Builder) WithKind(kind Kind) *Builder {
	b.err.Kind = kind
	return b
}

func (b *Builder) WithBroker(broker string) *Builder {
	b.err.Broker = broker
	return b
}

func (b *Builder) WithBundle(bundle string) *Builder {
	b.err.Bundle = bundle
	return b
}

func (b *Builder) WithCause(cause error) *Builder {
	b.err.Cause = cause
	return b
}

// Build finalizes the error, defaulting an unset Kind to Misconfiguration
// since that is the most common "something looked wrong" case in this
// engine.
func (b *Builder) Build() *Error {
	if b.err.Kind == "" {
		b.err.Kind = Misconfiguration
	}
	return b.err
}
