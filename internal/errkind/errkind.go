// Package errkind defines the typed rejection reasons of the configuration
// change protocol (see protocol §7). Mutative requests never panic on a
// rejection: every legality failure is returned as a *Error value so the
// coordinator can branch on Kind without string-matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a class of protocol-level rejection. Kinds are stable
// across the wire: the coordinator and the CLI switch on them directly.
type Kind string

const (
	// LogConflict means an append violated the chain invariants (parent/version
	// mismatch). It signals a protocol bug or a corrupted journal, never a
	// legitimate race — the caller aborts rather than retries.
	LogConflict Kind = "LOG_CONFLICT"

	// Concurrent means expected_mutative_count no longer matches the node's
	// counter: another session mutated the log since the caller discovered it.
	Concurrent Kind = "CONCURRENT"

	// AlreadyPrepared means a prepare arrived while the tail is already PREPARED.
	AlreadyPrepared Kind = "ALREADY_PREPARED"

	// NotPrepared means commit/rollback/take-over arrived while the tail is terminal.
	NotPrepared Kind = "NOT_PREPARED"

	// UUIDMismatch means commit/rollback/take-over named a uuid that isn't the tail's.
	UUIDMismatch Kind = "UUID_MISMATCH"

	// BadVersion means the proposed new_version isn't head.version+1.
	BadVersion Kind = "BAD_VERSION"

	// EvaluationReject means the change evaluator rejected the payload as illegal
	// against the current configuration. Reason carries the evaluator's verdict.
	EvaluationReject Kind = "EVALUATION_REJECT"

	// Unreachable means the coordinator could not complete an RPC to a target node.
	Unreachable Kind = "UNREACHABLE"

	// InconsistentCluster means Phase A discovery found disagreeing node states.
	InconsistentCluster Kind = "INCONSISTENT_CLUSTER"

	// PartialCluster means at least one target was unreachable during discovery.
	PartialCluster Kind = "PARTIAL_CLUSTER"

	// PriorChangeInFlight means a target's tail is PREPARED before a new session began.
	PriorChangeInFlight Kind = "PRIOR_CHANGE_IN_FLIGHT"

	// RaceDetected means a second discovery after prepare saw a different tail uuid.
	RaceDetected Kind = "RACE_DETECTED"

	// MalformedChangeRecord means log replay hit a record that fails its own schema/CRC.
	MalformedChangeRecord Kind = "MALFORMED_CHANGE_RECORD"

	// DurabilityFailure means the journal could not be safely synced to disk.
	DurabilityFailure Kind = "DURABILITY_FAILURE"
)

// Error is the typed rejection carried back to the coordinator and the CLI.
// It always records the node's counters at rejection time so a caller can
// decide whether to re-discover and retry without an extra round trip.
type Error struct {
	Kind     Kind
	Reason   string
	Counters Counters
}

// Counters is the minimal audit snapshot attached to every rejection.
type Counters struct {
	MutativeMessageCount int64
	CurrentVersion       int64
	HighestVersion       int64
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// New builds a protocol error of the given kind with an optional free-text reason.
func New(kind Kind, reason string, counters Counters) *Error {
	return &Error{Kind: kind, Reason: reason, Counters: counters}
}

// Is lets errors.Is match on Kind alone, ignoring Reason/Counters.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, or "" if err is not (or does not wrap) *Error.
func KindOf(err error) Kind {
	var e *Error
	if err == nil {
		return ""
	}
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
