package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/coordinator"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/topology"
)

func newRecoveryNode(t *testing.T, name string) (*nodestate.Machine, coordinator.NodeClient) {
	t.Helper()
	dir := t.TempDir()
	store, err := changelog.Open(filepath.Join(dir, name+".journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := nodestate.Open(name, "c1", store, evaluator.New(), filepath.Join(dir, name+".state"), "127.0.0.1:9000")
	require.NoError(t, err)
	m.SetClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	return m, coordinator.NewLocalClient(name, m)
}

func bootstrap(t *testing.T, m *nodestate.Machine) {
	t.Helper()
	id := uuid.New()
	_, err := m.Prepare(nodestate.PrepareRequest{
		ChangeUUID: id, NewVersion: 1,
		Payload: topology.Payload{Op: topology.OpAttachStripe, NewStripe: &topology.Stripe{
			Name: "s1", Nodes: []topology.Node{{Name: "bootstrap", Host: "h0", Port: 1}},
		}},
	})
	require.NoError(t, err)
	_, err = m.Commit(nodestate.CommitRequest{ExpectedMutativeCount: 1, ChangeUUID: id})
	require.NoError(t, err)
}

func TestRecovery_CommitsWhenOneNodeAlreadyCommitted(t *testing.T) {
	m1, n1 := newRecoveryNode(t, "n1")
	m2, n2 := newRecoveryNode(t, "n2")
	bootstrap(t, m1)
	bootstrap(t, m2)

	id := uuid.New()
	payload := topology.Payload{Op: topology.OpAttachNode, StripeName: "s1", Node: &topology.Node{Name: "x", Host: "x", Port: 2}}

	_, err := m1.Prepare(nodestate.PrepareRequest{ExpectedMutativeCount: 2, ChangeUUID: id, NewVersion: 2, Payload: payload})
	require.NoError(t, err)
	_, err = m1.Commit(nodestate.CommitRequest{ExpectedMutativeCount: 3, ChangeUUID: id})
	require.NoError(t, err)

	_, err = m2.Prepare(nodestate.PrepareRequest{ExpectedMutativeCount: 2, ChangeUUID: id, NewVersion: 2, Payload: payload})
	require.NoError(t, err)
	// m2's commit never lands: it stays PREPARED, simulating an interrupted session.

	ctx := context.Background()
	p, err := Discover(ctx, []coordinator.NodeClient{n1, n2})
	require.NoError(t, err)
	assert.Equal(t, id, p.UUID)
	assert.Len(t, p.Committed, 1)
	assert.Len(t, p.Prepared, 1)
	assert.Equal(t, OutcomeCommit, p.Decide(false))

	rc := New(nil)
	report, err := rc.Run(ctx, p, "op", "admin", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommit, report.Outcome)
	for _, r := range report.TakenOver {
		assert.True(t, r.Accepted)
	}
	for _, r := range report.Applied {
		assert.True(t, r.Accepted)
	}

	d2, err := m2.Discover()
	require.NoError(t, err)
	require.NotNil(t, d2.LatestChange)
	assert.Equal(t, id, d2.LatestChange.UUID)
}

func TestRecovery_RollsBackWhenOnlyPreparedOrUnseen(t *testing.T) {
	m1, n1 := newRecoveryNode(t, "n1")
	m2, n2 := newRecoveryNode(t, "n2")
	bootstrap(t, m1)
	bootstrap(t, m2)

	id := uuid.New()
	payload := topology.Payload{Op: topology.OpAttachNode, StripeName: "s1", Node: &topology.Node{Name: "x", Host: "x", Port: 2}}

	// n1 prepared the change, n2 never heard about it (X).
	_, err := m1.Prepare(nodestate.PrepareRequest{ExpectedMutativeCount: 2, ChangeUUID: id, NewVersion: 2, Payload: payload})
	require.NoError(t, err)

	ctx := context.Background()
	p, err := Discover(ctx, []coordinator.NodeClient{n1, n2})
	require.NoError(t, err)
	assert.Len(t, p.Prepared, 1)
	assert.Len(t, p.Unseen, 1)
	assert.Equal(t, OutcomeRollback, p.Decide(false))

	rc := New(nil)
	report, err := rc.Run(ctx, p, "op", "admin", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRollback, report.Outcome)

	d1, err := m1.Discover()
	require.NoError(t, err)
	require.NotNil(t, d1.LatestChange)
	assert.Equal(t, id, d1.LatestChange.UUID)
}

func TestRecovery_ForceCommitOverridesDefaultRollback(t *testing.T) {
	m1, n1 := newRecoveryNode(t, "n1")
	bootstrap(t, m1)

	id := uuid.New()
	payload := topology.Payload{Op: topology.OpAttachNode, StripeName: "s1", Node: &topology.Node{Name: "x", Host: "x", Port: 2}}
	_, err := m1.Prepare(nodestate.PrepareRequest{ExpectedMutativeCount: 2, ChangeUUID: id, NewVersion: 2, Payload: payload})
	require.NoError(t, err)

	ctx := context.Background()
	p, err := Discover(ctx, []coordinator.NodeClient{n1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommit, p.Decide(true))

	rc := New(nil)
	report, err := rc.Run(ctx, p, "op", "admin", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommit, report.Outcome)

	d1, err := m1.Discover()
	require.NoError(t, err)
	assert.Equal(t, int64(2), d1.CurrentVersion)
}
