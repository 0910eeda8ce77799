package cluster

import (
	"context"

	"github.com/tc-dynconf/configchange/internal/record"
)

// NodeReplicator adapts a *Node to internal/nodestate's Replicator
// interface, shipping every accepted prepare/commit/rollback to the
// stripe's mirrors via raft. It is a duck-typed adapter rather than an
// explicit implements-relationship: nodestate defines the interface it
// needs without importing this package, keeping the protocol engine
// independent of how (or whether) replication is wired.
type NodeReplicator struct {
	Node *Node
}

func (r *NodeReplicator) ReplicateAppend(ctx context.Context, rec record.Record) error {
	_, err := r.Node.Apply(ctx, Mutation{Kind: MutationAppend, Record: rec})
	return err
}

func (r *NodeReplicator) ReplicateSeal(ctx context.Context, rec record.Record) error {
	_, err := r.Node.Apply(ctx, Mutation{Kind: MutationSeal, Record: rec})
	return err
}
