package cluster

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/record"
)

// FSM is the raft state machine for one stripe's replication group: it
// applies Mutations produced by the ACTIVE_COORDINATOR node to a mirror's
// local changelog.Store, in the exact order the active accepted them.
type FSM struct {
	store changelog.Store
}

// NewFSM wires an FSM around the mirror's own journal. The active and every
// passive in a stripe each run one of these over their own Store; raft's job
// is only to agree on the order of Mutations, never to own the bytes.
func NewFSM(store changelog.Store) *FSM {
	return &FSM{store: store}
}

// Apply decodes one replicated Mutation and applies it to the local store.
// A mutation that already matches the local tail (a raft log replay after a
// restart) is treated as a no-op rather than a conflict.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return nil
	}
	var m Mutation
	if err := json.Unmarshal(l.Data, &m); err != nil {
		return err
	}

	switch m.Kind {
	case MutationAppend:
		if err := f.store.Append(m.Record); err != nil {
			if errkind.KindOf(err) == errkind.LogConflict && f.headMatches(m.Record) {
				return nil
			}
			return err
		}
		return nil
	case MutationSeal:
		if m.Record.Approval == nil {
			return fmt.Errorf("cluster: seal mutation for %s is missing its approval audit", m.Record.UUID)
		}
		if _, err := f.store.Seal(m.Record.UUID, m.Record.State, *m.Record.Approval); err != nil {
			if errkind.KindOf(err) == errkind.LogConflict && f.sealedMatches(m.Record) {
				return nil
			}
			return err
		}
		return nil
	default:
		return fmt.Errorf("cluster: unknown mutation kind %q", m.Kind)
	}
}

func (f *FSM) headMatches(rec record.Record) bool {
	head, has, err := f.store.Head()
	return err == nil && has && head.UUID == rec.UUID && head.Version == rec.Version
}

func (f *FSM) sealedMatches(rec record.Record) bool {
	existing, has, err := f.store.Get(rec.Version)
	return err == nil && has && existing.UUID == rec.UUID && existing.State == rec.State
}

// snapshot carries a full copy of the journal's records for raft's
// snapshot/restore path, replacing the teacher's tenants/keys tarball with
// a gzip-compressed JSON array of record.Record.
type snapshot struct {
	records []record.Record
}

// Snapshot walks the local store end to end. Raft only calls this
// occasionally (to truncate its own log), so a linear Get-per-version scan
// is an acceptable cost.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	head, has, err := f.store.Head()
	if err != nil {
		return nil, err
	}
	if !has {
		return &snapshot{}, nil
	}
	recs := make([]record.Record, 0, head.Version)
	for v := int64(1); v <= head.Version; v++ {
		rec, ok, err := f.store.Get(v)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	return &snapshot{records: recs}, nil
}

// Restore replays a snapshot's records onto the local store, skipping any
// version already present (a mirror catching up from its own partial log).
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	var recs []record.Record
	if err := json.NewDecoder(gz).Decode(&recs); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := f.replayOne(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *FSM) replayOne(rec record.Record) error {
	head, has, err := f.store.Head()
	if err != nil {
		return err
	}
	if has && head.Version >= rec.Version {
		return nil
	}
	if rec.State == record.Prepared {
		return f.store.Append(rec)
	}
	if rec.Approval == nil {
		return fmt.Errorf("cluster: restore: sealed record %s is missing its approval audit", rec.UUID)
	}
	if !has || head.UUID != rec.UUID {
		prepared := rec
		prepared.State = record.Prepared
		prepared.Approval = nil
		if err := f.store.Append(prepared); err != nil {
			return err
		}
	}
	_, err = f.store.Seal(rec.UUID, rec.State, *rec.Approval)
	return err
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	gw := gzip.NewWriter(sink)
	if err := json.NewEncoder(gw).Encode(s.records); err != nil {
		_ = gw.Close()
		_ = sink.Cancel()
		return err
	}
	if err := gw.Close(); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
