// Package cluster implements stripe-local replication (protocol §3's
// "server mode"): within a stripe, the ACTIVE_COORDINATOR node accepts
// prepares from the platform coordinator and replicates every record it
// appends or seals to its PASSIVE mirrors over a small raft group, so a
// mirror promoted after a crash sees the same change log its predecessor
// did. This sits entirely outside the protocol proper (§1 lists "platform
// replication" as out of scope) — it is this repository's concrete
// implementation of that otherwise-external mechanism.
package cluster

import "github.com/tc-dynconf/configchange/internal/record"

// MutationKind enumerates the replicated operations a mirror's FSM applies.
type MutationKind string

const (
	// MutationAppend replicates an accepted prepare: the new PREPARED record.
	MutationAppend MutationKind = "APPEND"
	// MutationSeal replicates an accepted commit or rollback: the flipped tail.
	MutationSeal MutationKind = "SEAL"
)

// Mutation is the raft log entry shipped to every mirror. It always carries
// the already-decided record verbatim: a mirror never re-runs the evaluator
// or the optimistic-concurrency check, since the active node already did
// (protocol §5: "no cross-process sharing" of the journal means mirrors
// keep their own copy, kept in lockstep by this replication instead).
type Mutation struct {
	Kind   MutationKind  `json:"kind"`
	Record record.Record `json:"record"`
}
