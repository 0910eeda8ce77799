package nodestate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	dir := t.TempDir()
	store, err := changelog.Open(filepath.Join(dir, "n1.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := Open("n1", "c1", store, evaluator.New(), filepath.Join(dir, "n1.state"), "127.0.0.1:9001")
	require.NoError(t, err)
	m.SetClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	return m
}

func TestMachine_Discover_Empty(t *testing.T) {
	m := newMachine(t)
	d, err := m.Discover()
	require.NoError(t, err)
	assert.Equal(t, Accepting, d.Mode)
	assert.Equal(t, int64(0), d.MutativeMessageCount)
	assert.Equal(t, int64(0), d.HighestVersion)
	assert.Nil(t, d.LatestChange)
}

// TestMachine_Discover_BootstrapGenesis covers protocol §8 S1: a fresh node
// that has never logged a change still exports a cluster describing
// itself, with current_version at 0 and no PREPARED tail.
func TestMachine_Discover_BootstrapGenesis(t *testing.T) {
	m := newMachine(t)
	d, err := m.Discover()
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.CurrentVersion)
	assert.Nil(t, d.LatestChange)
	require.Len(t, d.CurrentConfig.Stripes, 1)
	require.Len(t, d.CurrentConfig.Stripes[0].Nodes, 1)
	node := d.CurrentConfig.Stripes[0].Nodes[0]
	assert.Equal(t, "n1", node.Name)
	assert.Equal(t, "127.0.0.1", node.Host)
	assert.Equal(t, 9001, node.Port)
}

func attachPayload(name, host string, port int) topology.Payload {
	return topology.Payload{
		Op:        topology.OpAttachStripe,
		NewStripe: &topology.Stripe{Name: name, Nodes: []topology.Node{{Name: name + "-n1", Host: host, Port: port}}},
	}
}

func TestMachine_PrepareCommit(t *testing.T) {
	m := newMachine(t)

	id := record.NewUUID()
	rec, err := m.Prepare(PrepareRequest{
		ExpectedMutativeCount: 0,
		ChangeUUID:            id,
		NewVersion:            1,
		Payload:               attachPayload("s1", "h1", 9410),
		Host:                  "op-host",
		User:                  "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, record.Prepared, rec.State)

	d, err := m.Discover()
	require.NoError(t, err)
	assert.Equal(t, Prepared, d.Mode)
	assert.Equal(t, int64(1), d.MutativeMessageCount)
	assert.Equal(t, int64(0), d.CurrentVersion)
	assert.Equal(t, int64(1), d.HighestVersion)

	committed, err := m.Commit(CommitRequest{ExpectedMutativeCount: 1, ChangeUUID: id, Host: "op-host", User: "admin"})
	require.NoError(t, err)
	assert.Equal(t, record.Committed, committed.State)

	d, err = m.Discover()
	require.NoError(t, err)
	assert.Equal(t, Accepting, d.Mode)
	assert.Equal(t, int64(2), d.MutativeMessageCount)
	assert.Equal(t, int64(1), d.CurrentVersion)
	assert.Equal(t, 1, d.LatestChange.Result.NodeCount())
}

func TestMachine_PrepareRejectsConcurrent(t *testing.T) {
	m := newMachine(t)
	_, err := m.Prepare(PrepareRequest{ExpectedMutativeCount: 5, ChangeUUID: record.NewUUID(), NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.Error(t, err)
	assert.Equal(t, errkind.Concurrent, errkind.KindOf(err))
}

func TestMachine_PrepareRejectsAlreadyPrepared(t *testing.T) {
	m := newMachine(t)
	id := record.NewUUID()
	_, err := m.Prepare(PrepareRequest{ChangeUUID: id, NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)

	_, err = m.Prepare(PrepareRequest{ExpectedMutativeCount: 1, ChangeUUID: record.NewUUID(), NewVersion: 2, Payload: attachPayload("s2", "h2", 2)})
	require.Error(t, err)
	assert.Equal(t, errkind.AlreadyPrepared, errkind.KindOf(err))
}

// TestMachine_PrepareConcurrentTakesPriorityOverAlreadyPrepared covers
// protocol §8 S4: a second coordinator's prepare lands with both a stale
// expected_mutative_count and a tail already left PREPARED by the first.
// CONCURRENT must win so the caller re-discovers instead of assuming its
// own prior prepare is still live.
func TestMachine_PrepareConcurrentTakesPriorityOverAlreadyPrepared(t *testing.T) {
	m := newMachine(t)
	_, err := m.Prepare(PrepareRequest{ChangeUUID: record.NewUUID(), NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)

	_, err = m.Prepare(PrepareRequest{ExpectedMutativeCount: 0, ChangeUUID: record.NewUUID(), NewVersion: 2, Payload: attachPayload("s2", "h2", 2)})
	require.Error(t, err)
	assert.Equal(t, errkind.Concurrent, errkind.KindOf(err))
}

func TestMachine_CommitRejectsUUIDMismatch(t *testing.T) {
	m := newMachine(t)
	_, err := m.Prepare(PrepareRequest{ChangeUUID: record.NewUUID(), NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)

	_, err = m.Commit(CommitRequest{ExpectedMutativeCount: 1, ChangeUUID: record.NewUUID()})
	require.Error(t, err)
	assert.Equal(t, errkind.UUIDMismatch, errkind.KindOf(err))
}

func TestMachine_Rollback_LeavesCurrentVersionUnchanged(t *testing.T) {
	m := newMachine(t)
	id := record.NewUUID()
	_, err := m.Prepare(PrepareRequest{ChangeUUID: id, NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)

	_, err = m.Rollback(RollbackRequest{ExpectedMutativeCount: 1, ChangeUUID: id})
	require.NoError(t, err)

	d, err := m.Discover()
	require.NoError(t, err)
	assert.Equal(t, Accepting, d.Mode)
	assert.Equal(t, int64(0), d.CurrentVersion)
	assert.Equal(t, int64(2), d.MutativeMessageCount)

	_, err = m.Prepare(PrepareRequest{ExpectedMutativeCount: 2, ChangeUUID: record.NewUUID(), NewVersion: 2, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)
}

// TestMachine_Discover_CurrentConfigSurvivesRollback covers protocol §3
// invariant 5: once a change is rolled back, CurrentConfig must still read
// as the last COMMITTED result, not the rolled-back candidate left on the
// log tail.
func TestMachine_Discover_CurrentConfigSurvivesRollback(t *testing.T) {
	m := newMachine(t)
	id := record.NewUUID()
	_, err := m.Prepare(PrepareRequest{ChangeUUID: id, NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)
	_, err = m.Commit(CommitRequest{ExpectedMutativeCount: 1, ChangeUUID: id})
	require.NoError(t, err)

	committed, err := m.Discover()
	require.NoError(t, err)
	committedConfig := committed.CurrentConfig

	rejectedID := record.NewUUID()
	_, err = m.Prepare(PrepareRequest{ExpectedMutativeCount: 2, ChangeUUID: rejectedID, NewVersion: 2, Payload: attachPayload("s2", "h2", 2)})
	require.NoError(t, err)
	_, err = m.Rollback(RollbackRequest{ExpectedMutativeCount: 3, ChangeUUID: rejectedID})
	require.NoError(t, err)

	d, err := m.Discover()
	require.NoError(t, err)
	assert.Equal(t, record.RolledBack, d.LatestChange.State)
	assert.Equal(t, committedConfig, d.CurrentConfig)
	assert.NotEqual(t, d.LatestChange.Result, d.CurrentConfig)
}

func TestMachine_TakeOver(t *testing.T) {
	m := newMachine(t)
	id := record.NewUUID()
	_, err := m.Prepare(PrepareRequest{ChangeUUID: id, NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)

	tail, err := m.TakeOver(TakeOverRequest{ExpectedMutativeCount: 1, PriorUUID: id, Host: "new-op", User: "admin2"})
	require.NoError(t, err)
	assert.Equal(t, id, tail.UUID)

	d, err := m.Discover()
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.MutativeMessageCount)

	_, err = m.Commit(CommitRequest{ExpectedMutativeCount: 2, ChangeUUID: id})
	require.NoError(t, err)
}

func TestMachine_Reopen_RestoresCounters(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "n1.journal")
	statePath := filepath.Join(dir, "n1.state")

	store, err := changelog.Open(storePath)
	require.NoError(t, err)
	m, err := Open("n1", "c1", store, evaluator.New(), statePath, "127.0.0.1:9001")
	require.NoError(t, err)

	id := record.NewUUID()
	_, err = m.Prepare(PrepareRequest{ChangeUUID: id, NewVersion: 1, Payload: attachPayload("s1", "h1", 1)})
	require.NoError(t, err)
	_, err = m.Commit(CommitRequest{ExpectedMutativeCount: 1, ChangeUUID: id})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := changelog.Open(storePath)
	require.NoError(t, err)
	defer store2.Close()
	m2, err := Open("n1", "c1", store2, evaluator.New(), statePath, "127.0.0.1:9001")
	require.NoError(t, err)

	d, err := m2.Discover()
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.MutativeMessageCount)
	assert.Equal(t, int64(1), d.CurrentVersion)
}
