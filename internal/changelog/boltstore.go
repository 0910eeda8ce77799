package changelog

import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/record"
)

// BoltStore is an alternate Store backend keyed by version in a single
// BoltDB bucket, for operators who'd rather point every node's journal at
// the same embedded-db technology their other infra already uses. BoltDB
// gives us the crash-safety (mmap + fsync on commit) for free, so unlike
// FileStore it needs no manual frame/CRC layer — §6's "or equivalent
// ordered rename" durability guarantee is satisfied by Bolt's own B+tree
// commit protocol.
//
// This mirrors the shape of hashicorp/raft-boltdb's LogStore, but keyed and
// schematized for record.Record rather than raft.Log: raft-boltdb's index
// namespace (term/index) has no equivalent in this protocol, which has no
// leader election, so plain BoltDB is used directly instead of pulling in
// the raft log-store adapter.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	head   record.Record
	has    bool
}

var recordsBucket = []byte("records")

// OpenBolt opens (creating if needed) a BoltDB-backed journal at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("changelog: bolt open %s: %w", path, err)
	}
	s := &BoltStore{db: db, bucket: recordsBucket}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadHead(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func versionKey(v int64) []byte {
	// Big-endian so bucket iteration order matches version order.
	return []byte(fmt.Sprintf("%016x", uint64(v)))
}

func (s *BoltStore) loadHead() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		rec, err := record.Unmarshal(v)
		if err != nil {
			return errkind.New(errkind.MalformedChangeRecord, err.Error(), errkind.Counters{})
		}
		s.head, s.has = rec, true
		return nil
	})
}

func (s *BoltStore) Head() (record.Record, bool, error) {
	return s.head, s.has, nil
}

func (s *BoltStore) Get(version int64) (record.Record, bool, error) {
	var rec record.Record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		v := b.Get(versionKey(version))
		if v == nil {
			return nil
		}
		r, err := record.Unmarshal(v)
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	})
	return rec, found, err
}

func (s *BoltStore) Append(rec record.Record) error {
	if s.has {
		if rec.ParentUUID == nil || *rec.ParentUUID != s.head.UUID || rec.Version != s.head.Version+1 {
			return errkind.New(errkind.LogConflict, "append: parent/version mismatch against current head", errkind.Counters{})
		}
	} else if !rec.Genesis() || rec.Version != 1 {
		return errkind.New(errkind.LogConflict, "append: first record must be genesis at version 1", errkind.Counters{})
	}
	if err := s.put(rec); err != nil {
		return err
	}
	s.head, s.has = rec, true
	return nil
}

func (s *BoltStore) Seal(id uuid.UUID, newState record.State, approval record.Audit) (record.Record, error) {
	if !s.has || s.head.State != record.Prepared || s.head.UUID != id {
		return record.Record{}, errkind.New(errkind.LogConflict, "seal: tail is not the matching PREPARED record", errkind.Counters{})
	}
	sealed := record.Sealed(s.head, newState, approval)
	// Bolt keys by version, so sealing overwrites the same key — the bucket
	// never holds two versions of one slot, unlike FileStore's append log.
	if err := s.put(sealed); err != nil {
		return record.Record{}, err
	}
	s.head = sealed
	return sealed, nil
}

func (s *BoltStore) put(rec record.Record) error {
	payload, err := record.Marshal(rec)
	if err != nil {
		return fmt.Errorf("changelog: marshal: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(versionKey(rec.Version), payload)
	})
	if err != nil {
		return errkind.New(errkind.DurabilityFailure, err.Error(), errkind.Counters{})
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
