package changelog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := Open(filepath.Join(dir, "node1.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	bs, err := OpenBolt(filepath.Join(dir, "node1.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	return map[string]Store{"file": fs, "bolt": bs}
}

func genesis() record.Record {
	return record.Record{
		SchemaVersion: record.SchemaVersion,
		UUID:          record.NewUUID(),
		Version:       1,
		State:         record.Committed,
		Result:        topology.Empty("c1"),
		Creation:      record.Audit{Host: "h0", User: "bootstrap", Timestamp: time.Now().UTC()},
	}
}

func TestStore_AppendAndHead(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Head()
			require.NoError(t, err)
			assert.False(t, ok)

			g := genesis()
			require.NoError(t, s.Append(g))

			head, ok, err := s.Head()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, g.UUID, head.UUID)
		})
	}
}

func TestStore_AppendRejectsBadParent(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(genesis()))

			bad := record.NewPrepared(record.NewUUID(), nil, 2, topology.Payload{}, topology.Empty("c1"), record.Audit{})
			err := s.Append(bad)
			require.Error(t, err)
			assert.Equal(t, errkind.LogConflict, errkind.KindOf(err))
		})
	}
}

func TestStore_PrepareThenSealCommit(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			g := genesis()
			require.NoError(t, s.Append(g))

			id := record.NewUUID()
			parent := g.UUID
			prep := record.NewPrepared(id, &parent, 2, topology.Payload{Op: topology.OpSetSetting, SettingKey: "k", SettingValue: "v"}, topology.Empty("c1"), record.Audit{Host: "op", User: "admin", Timestamp: time.Now().UTC()})
			require.NoError(t, s.Append(prep))

			head, _, _ := s.Head()
			assert.Equal(t, record.Prepared, head.State)

			sealed, err := s.Seal(id, record.Committed, record.Audit{Host: "op", User: "admin", Timestamp: time.Now().UTC()})
			require.NoError(t, err)
			assert.Equal(t, record.Committed, sealed.State)
			assert.Equal(t, int64(2), sealed.Version)

			head, _, _ = s.Head()
			assert.Equal(t, record.Committed, head.State)
		})
	}
}

// TestStore_GetWalksFullChain covers C8's raft snapshot path
// (FSM.Snapshot walks Get(1..head.Version), breaking on the first miss):
// every committed version must remain fetchable by Get, not just the head.
func TestStore_GetWalksFullChain(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			g := genesis()
			require.NoError(t, s.Append(g))

			id := record.NewUUID()
			parent := g.UUID
			prep := record.NewPrepared(id, &parent, 2, topology.Payload{Op: topology.OpSetSetting, SettingKey: "k", SettingValue: "v"}, topology.Empty("c1"), record.Audit{Host: "op", User: "admin", Timestamp: time.Now().UTC()})
			require.NoError(t, s.Append(prep))
			sealed, err := s.Seal(id, record.Committed, record.Audit{Host: "op", User: "admin", Timestamp: time.Now().UTC()})
			require.NoError(t, err)

			got1, ok, err := s.Get(1)
			require.NoError(t, err)
			require.True(t, ok, "version 1 must still be reachable after appending version 2")
			assert.Equal(t, g.UUID, got1.UUID)

			got2, ok, err := s.Get(2)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, record.Committed, got2.State)
			assert.Equal(t, sealed.UUID, got2.UUID)

			_, ok, err = s.Get(3)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_SealRejectsWrongUUID(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			g := genesis()
			require.NoError(t, s.Append(g))
			id := record.NewUUID()
			parent := g.UUID
			require.NoError(t, s.Append(record.NewPrepared(id, &parent, 2, topology.Payload{}, topology.Empty("c1"), record.Audit{})))

			_, err := s.Seal(record.NewUUID(), record.Committed, record.Audit{})
			require.Error(t, err)
			assert.Equal(t, errkind.LogConflict, errkind.KindOf(err))
		})
	}
}

func TestFileStore_RecoversAfterTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node1.journal")

	s, err := Open(path)
	require.NoError(t, err)
	g := genesis()
	require.NoError(t, s.Append(g))
	require.NoError(t, s.Close())

	// Simulate a crash mid-write: append garbage bytes that look like a
	// partially flushed frame.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x00, 0x10, 0xAB, 0xCD})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	head, ok, err := s2.Head()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g.UUID, head.UUID)
}
