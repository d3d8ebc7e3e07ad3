// Package errdef classifies errors into the small fixed enumeration that
// drives retry, fallback, and halt decisions across the runtime. Errors are
// surfaced by kind, not by matching human-readable strings.
package errdef

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the error classification.
type Kind string

const (
	// TransientNetwork covers provider calls and channel sends that may
	// succeed on retry.
	TransientNetwork Kind = "transient.network"

	// TransientDBLocked covers concurrent-write contention on the store.
	TransientDBLocked Kind = "transient.db_locked"

	// PermanentValidation covers schema, argument, and evidence failures.
	PermanentValidation Kind = "permanent.validation"

	// PermanentPolicyDenied covers policy engine denials.
	PermanentPolicyDenied Kind = "permanent.policy_denied"

	// PermanentNotFound covers missing entities.
	PermanentNotFound Kind = "permanent.not_found"

	// DegradedMemory covers memory subsystem failures the orchestrator
	// proceeds past.
	DegradedMemory Kind = "degraded.memory"

	// DegradedProvider means both providers failed; triggers the
	// terminal-synthesis path.
	DegradedProvider Kind = "degraded.provider"

	// FatalInvariant is a violation of a data-model invariant; the
	// pipeline halts.
	FatalInvariant Kind = "fatal.invariant"
)

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a fixed message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap classifies an existing error, preserving its chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf returns a classified error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or "" if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err belongs to a transient.* class, i.e. the
// task runner may retry it.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case TransientNetwork, TransientDBLocked:
		return true
	}
	return false
}

// IsFatal reports whether err is an invariant violation.
func IsFatal(err error) bool {
	return KindOf(err) == FatalInvariant
}

// Classify assigns a kind to an unclassified error based on its type.
// Already-classified errors pass through unchanged. Context cancellation is
// not reclassified: callers decide whether a cancelled step is an error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(TransientNetwork, err)
	}
	if isDBLocked(err) {
		return Wrap(TransientDBLocked, err)
	}
	return err
}

// isDBLocked detects sqlite busy/locked contention. The driver surfaces
// SQLITE_BUSY and SQLITE_LOCKED as textual codes.
func isDBLocked(err error) bool {
	s := err.Error()
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "SQLITE_BUSY") ||
		strings.Contains(s, "SQLITE_LOCKED")
}
