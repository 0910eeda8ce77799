// Package record defines the change record (protocol §3): the immutable
// unit stored in a node's change log.
//
// A record is created by an accepted prepare() in PREPARED state; it stays
// mutable exactly once more, for the single legal transition a matching
// commit() or rollback() performs (state flip plus approval audit) — after
// that it is terminal and never changes again. Protocol §4.1 explicitly
// sanctions this "flip the tail in place" representation as equivalent to
// appending a fresh ack record; this implementation picks it because it
// keeps record.Version a strict, gap-free chain position (protocol §3
// invariant 2) and matches the data model's single approval_* field set
// living directly on the record it approves (see DESIGN.md).
package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/topology"
)

// SchemaVersion tags the on-disk/wire shape of Record.
const SchemaVersion = 1

// State is one of the three states a record can be in.
type State string

const (
	Prepared   State = "PREPARED"
	Committed  State = "COMMITTED"
	RolledBack State = "ROLLED_BACK"
)

// Terminal reports whether a state can no longer transition (protocol §3 invariant 3).
func (s State) Terminal() bool { return s == Committed || s == RolledBack }

// Audit captures who did what, when — server-assigned, never client-supplied
// (protocol §4.6: timestamps are stamped at the moment of durable append).
type Audit struct {
	Host      string    `json:"host"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one entry in a node's change log.
type Record struct {
	SchemaVersion int        `json:"schemaVersion"`
	UUID          uuid.UUID  `json:"uuid"`
	ParentUUID    *uuid.UUID `json:"parentUuid,omitempty"`
	Version       int64      `json:"version"`
	State         State      `json:"state"`

	// Payload is the change description that produced this record. Empty on
	// the genesis record.
	Payload topology.Payload `json:"payload,omitempty"`
	// Result is the candidate configuration the evaluator produced for
	// Payload. It is what "current configuration" resolves to once this
	// record is COMMITTED (protocol §3 invariant 5).
	Result topology.Configuration `json:"result"`

	Creation Audit  `json:"creation"`
	Approval *Audit `json:"approval,omitempty"`
}

// Genesis reports whether this is the chain's first record (no parent).
func (r Record) Genesis() bool { return r.ParentUUID == nil }

// NewPrepared builds the record a successful prepare() appends.
func NewPrepared(id uuid.UUID, parent *uuid.UUID, version int64, payload topology.Payload, candidate topology.Configuration, creation Audit) Record {
	return Record{
		SchemaVersion: SchemaVersion,
		UUID:          id,
		ParentUUID:    parent,
		Version:       version,
		State:         Prepared,
		Payload:       payload,
		Result:        candidate,
		Creation:      creation,
	}
}

// Sealed returns a copy of a PREPARED record flipped to a terminal state
// with its approval audit attached. It does not mutate r.
func Sealed(r Record, state State, approval Audit) Record {
	out := r
	out.State = state
	out.Approval = &approval
	return out
}

// NewUUID returns a fresh 128-bit change identifier.
func NewUUID() uuid.UUID { return uuid.New() }
