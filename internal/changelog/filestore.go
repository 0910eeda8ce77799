package changelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/util/atomicwrite"
)

// FileStore is the default Store: a single append-only file of framed
// records (record.Frame), fsync'd before every append acknowledges. It is
// the journal described by protocol §6 — length-prefixed, CRC-checked,
// truncated at the first bad trailing frame on replay.
//
// Because a seal (commit/rollback) cannot rewrite already-fsync'd bytes in
// an append-only file, it is represented as a further frame carrying the
// same uuid and version with the updated state/approval — the latest frame
// for a given slot is always authoritative, so replay indexes every version
// by its most recently decoded frame rather than only remembering the head.
type FileStore struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	head     record.Record
	has      bool
	versions map[int64]record.Record
}

// Open opens or creates the journal at path, replaying it to recover the
// current head. A lock file in the same directory guards against two
// processes sharing one journal (protocol §5: "owned exclusively by its
// node process").
func Open(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("changelog: mkdir %s: %w", dir, err)
	}
	if err := acquireLock(path + ".lock"); err != nil {
		return nil, err
	}

	s := &FileStore{path: path, versions: make(map[int64]record.Record)}
	if err := s.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("changelog: open %s: %w", path, err)
	}
	s.f = f
	return s, nil
}

func acquireLock(lockPath string) error {
	pid := fmt.Sprintf("pid=%d", os.Getpid())
	// Best-effort: refuses to start if a live-looking lock already exists
	// with a different pid. Not a substitute for a real fcntl/flock — this
	// store is single-process by contract (protocol §5), not multi-tenant-safe.
	if _, err := os.Stat(lockPath); err == nil {
		existing, _ := os.ReadFile(lockPath)
		if len(existing) > 0 && string(existing) != pid {
			return fmt.Errorf("changelog: lock %s held by %s", lockPath, existing)
		}
	}
	return atomicwrite.AtomicWriteFile(lockPath, []byte(pid), 0o644)
}

// replay reads every frame from the journal, discarding a partially-written
// trailing record (protocol §4.1 "Recovery on startup").
func (s *FileStore) replay() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("changelog: open for replay: %w", err)
	}
	defer f.Close()

	for {
		payload, err := record.ReadFrame(f)
		if err == io.EOF {
			return nil
		}
		if err == record.ErrCorruptFrame {
			// Truncated/corrupt tail: the prior frame (if any) remains the head.
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := record.Unmarshal(payload)
		if err != nil {
			return errkind.New(errkind.MalformedChangeRecord, err.Error(), errkind.Counters{})
		}
		s.head = rec
		s.has = true
		s.versions[rec.Version] = rec
	}
}

func (s *FileStore) Head() (record.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.has, nil
}

func (s *FileStore) Get(version int64) (record.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.versions[version]
	return rec, ok, nil
}

func (s *FileStore) Append(rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.has {
		if rec.ParentUUID == nil || *rec.ParentUUID != s.head.UUID || rec.Version != s.head.Version+1 {
			return errkind.New(errkind.LogConflict, "append: parent/version mismatch against current head", errkind.Counters{})
		}
	} else if !rec.Genesis() || rec.Version != 1 {
		return errkind.New(errkind.LogConflict, "append: first record must be genesis at version 1", errkind.Counters{})
	}

	if err := s.writeFrame(rec); err != nil {
		return err
	}
	s.head, s.has = rec, true
	s.versions[rec.Version] = rec
	return nil
}

func (s *FileStore) Seal(id uuid.UUID, newState record.State, approval record.Audit) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.has || s.head.State != record.Prepared || s.head.UUID != id {
		return record.Record{}, errkind.New(errkind.LogConflict, "seal: tail is not the matching PREPARED record", errkind.Counters{})
	}
	sealed := record.Sealed(s.head, newState, approval)
	if err := s.writeFrame(sealed); err != nil {
		return record.Record{}, err
	}
	s.head = sealed
	s.versions[sealed.Version] = sealed
	return sealed, nil
}

func (s *FileStore) writeFrame(rec record.Record) error {
	payload, err := record.Marshal(rec)
	if err != nil {
		return fmt.Errorf("changelog: marshal: %w", err)
	}
	framed := record.Frame(payload)
	if _, err := s.f.Write(framed); err != nil {
		return errkind.New(errkind.DurabilityFailure, err.Error(), errkind.Counters{})
	}
	if err := s.f.Sync(); err != nil {
		return errkind.New(errkind.DurabilityFailure, err.Error(), errkind.Counters{})
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	_ = os.Remove(s.path + ".lock")
	return err
}
