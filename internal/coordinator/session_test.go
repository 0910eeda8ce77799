package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

func newTestNode(t *testing.T, name string) *LocalClient {
	t.Helper()
	dir := t.TempDir()
	store, err := changelog.Open(filepath.Join(dir, name+".journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := nodestate.Open(name, "c1", store, evaluator.New(), filepath.Join(dir, name+".state"), "127.0.0.1:9000")
	require.NoError(t, err)
	m.SetClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	return NewLocalClient(name, m)
}

func attachNodePayload(stripe, host string, port int) topology.Payload {
	return topology.Payload{
		Op:         topology.OpAttachNode,
		StripeName: stripe,
		Node:       &topology.Node{Name: host, Host: host, Port: port},
	}
}

func bootstrapSingleStripe(t *testing.T, nodes ...*LocalClient) {
	t.Helper()
	id := uuid.New()
	for _, n := range nodes {
		_, err := n.m.Prepare(nodestate.PrepareRequest{
			ChangeUUID: id, NewVersion: 1,
			Payload: topology.Payload{Op: topology.OpAttachStripe, NewStripe: &topology.Stripe{
				Name: "s1", Nodes: []topology.Node{{Name: "bootstrap", Host: "h0", Port: 1}},
			}},
		})
		require.NoError(t, err)
		_, err = n.m.Commit(nodestate.CommitRequest{ExpectedMutativeCount: 1, ChangeUUID: id})
		require.NoError(t, err)
	}
}

func TestCoordinator_SuccessfulSession(t *testing.T) {
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2")
	bootstrapSingleStripe(t, n1, n2)

	c := New(nil)
	targets := []NodeClient{n1, n2}
	v, err := c.Run(context.Background(), targets, ChangeRequest{
		Payload: attachNodePayload("s1", "host-2", 9410), Host: "op", User: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, v.Outcome)
	assert.Equal(t, int64(2), v.NewVersion)
	for _, r := range v.Results {
		assert.True(t, r.Accepted)
	}

	d1, err := n1.m.Discover()
	require.NoError(t, err)
	d2, err := n2.m.Discover()
	require.NoError(t, err)
	assert.Equal(t, d1.CurrentVersion, d2.CurrentVersion)
	assert.Equal(t, d1.LatestChange.UUID, d2.LatestChange.UUID)
}

func TestCoordinator_AbortsOnPriorChangeInFlight(t *testing.T) {
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2")
	bootstrapSingleStripe(t, n1, n2)

	_, err := n1.m.Prepare(nodestate.PrepareRequest{
		ExpectedMutativeCount: 2, ChangeUUID: uuid.New(), NewVersion: 2, Payload: attachNodePayload("s1", "host-x", 1),
	})
	require.NoError(t, err)

	c := New(nil)
	_, err = c.Run(context.Background(), []NodeClient{n1, n2}, ChangeRequest{Payload: attachNodePayload("s1", "host-2", 2)})
	require.Error(t, err)
	assert.Equal(t, errkind.PriorChangeInFlight, errkind.KindOf(err))
}

func TestCoordinator_AbortsOnEvaluationReject(t *testing.T) {
	// A fresh node's configuration is a single stripe named after the node,
	// so detaching it is rejected by phase B before any node is touched.
	n1 := newTestNode(t, "n1")

	c := New(nil)
	v, err := c.Run(context.Background(), []NodeClient{n1}, ChangeRequest{
		Payload: topology.Payload{Op: topology.OpDetachStripe, StripeName: "n1"},
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeAborted, v.Outcome)
}

func TestCoordinator_PartialRollbackOnDisagreement(t *testing.T) {
	n1 := newTestNode(t, "n1")
	n2 := newTestNode(t, "n2")
	bootstrapSingleStripe(t, n1, n2)

	c := New(nil)
	// Force a prepare rejection on n2 by racing its counter forward out from
	// under the coordinator's discovery: n1 accepts the prepare, n2 rejects
	// it as CONCURRENT, and n1 is rolled back.
	v, err := c.Run(context.Background(), []NodeClient{n1, &racingClient{LocalClient: n2}}, ChangeRequest{Payload: attachNodePayload("s1", "host-3", 3)})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialRollback, v.Outcome)
}

// racingClient lands a prepare+commit of its own on the node just before
// forwarding the coordinator's first prepare, so that prepare arrives with
// the expected_mutative_count phase A discovered, which is by then stale.
type racingClient struct {
	*LocalClient
	raced bool
}

func (r *racingClient) Prepare(ctx context.Context, req nodestate.PrepareRequest) (record.Record, error) {
	if !r.raced {
		r.raced = true
		id := uuid.New()
		if _, err := r.m.Prepare(nodestate.PrepareRequest{ExpectedMutativeCount: req.ExpectedMutativeCount, ChangeUUID: id, NewVersion: req.NewVersion, Payload: attachNodePayload("s1", "racer", 1)}); err == nil {
			_, _ = r.m.Commit(nodestate.CommitRequest{ExpectedMutativeCount: req.ExpectedMutativeCount + 1, ChangeUUID: id})
		}
	}
	return r.LocalClient.Prepare(ctx, req)
}

func uuidFromPreparedTail(t *testing.T, n *LocalClient) uuid.UUID {
	t.Helper()
	d, err := n.m.Discover()
	require.NoError(t, err)
	require.NotNil(t, d.LatestChange)
	return d.LatestChange.UUID
}
