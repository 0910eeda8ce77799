// Package changelog implements the per-node durable change log store
// (protocol §4.1, component C1): an append-only sequence of change records
// keyed by version, with crash-safe writes and startup recovery.
package changelog

import (
	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/record"
)

// Store is the durable per-node journal. Every method is synchronous and
// must be safe to call from the single-threaded node state machine's
// serialization queue (protocol §5) — implementations must not perform
// network I/O and must return only after the relevant bytes are durable.
type Store interface {
	// Head returns the highest-version record, or ok=false for an empty log.
	Head() (rec record.Record, ok bool, err error)

	// Get returns the record at version, or ok=false if it doesn't exist.
	Get(version int64) (rec record.Record, ok bool, err error)

	// Append durably writes a new record. It fails with a LogConflict
	// errkind if rec.ParentUUID doesn't match the current head's uuid, or
	// rec.Version isn't head.Version+1 (or 1 for an empty log with no parent).
	Append(rec record.Record) error

	// Seal durably flips the PREPARED record identified by id into a
	// terminal state (see record.Sealed) and returns the updated record. It
	// fails with a LogConflict errkind if the current head isn't PREPARED
	// with that uuid.
	Seal(id uuid.UUID, newState record.State, approval record.Audit) (record.Record, error)

	// Close releases any resources (file handles, db handles) held by the store.
	Close() error
}
