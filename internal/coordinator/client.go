// Package coordinator implements the cluster-wide change coordinator (C5):
// the operator-side driver that takes a single change payload and applies
// it atomically across every node of a target set, using two rounds of
// discovery around a prepare/commit-or-rollback fan-out.
package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// NodeClient is the coordinator's view of one target node. Implementations
// carry the actual RPC transport (internal/http's node RPC server is the
// one shipped here); the coordinator itself only ever talks to this
// interface, so it is transport-agnostic by construction.
type NodeClient interface {
	// Target is a stable label for logs/verdicts, typically "host:port".
	Target() string
	Discover(ctx context.Context) (nodestate.DiscoverResponse, error)
	Prepare(ctx context.Context, req nodestate.PrepareRequest) (record.Record, error)
	Commit(ctx context.Context, req nodestate.CommitRequest) (record.Record, error)
	Rollback(ctx context.Context, req nodestate.RollbackRequest) (record.Record, error)
	TakeOver(ctx context.Context, req nodestate.TakeOverRequest) (record.Record, error)
}

// ChangeRequest is what the operator (via the CLI, out of scope here) asks
// the coordinator to apply.
type ChangeRequest struct {
	Payload topology.Payload
	Host    string
	User    string
}

// newChangeUUID is a seam so tests can inject deterministic uuids; production
// wiring leaves it at its default.
var newChangeUUID = func() uuid.UUID { return record.NewUUID() }
