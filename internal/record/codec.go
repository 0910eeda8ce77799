package record

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

// Marshal encodes a Record as schema-versioned JSON. It is the wire/disk
// representation referenced by protocol §6 and §9 ("explicit,
// schema-versioned codec ... one encoder/decoder per message and record
// type"). Unmarshal rejects unknown top-level fields so a future schema
// bump fails loudly instead of silently dropping data.
func Marshal(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a Record, rejecting unknown fields and schema versions
// newer than this binary understands.
func Unmarshal(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("record: decode: %w", err)
	}
	if r.SchemaVersion > SchemaVersion {
		return Record{}, fmt.Errorf("record: schema version %d newer than supported %d", r.SchemaVersion, SchemaVersion)
	}
	return r, nil
}

// Frame wraps an encoded record with a 4-byte big-endian length prefix and a
// trailing CRC32 (IEEE) over the payload, matching the durable log format of
// protocol §6: "a leading length, a CRC, and the field set of §3." It is
// used by the file-backed change log store (internal/changelog) to detect a
// partially written trailing record after a crash.
func Frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:4+len(payload)], payload)
	binary.BigEndian.PutUint32(buf[4+len(payload):], crc32.ChecksumIEEE(payload))
	return buf
}

// ReadFrame reads one length+payload+crc frame from r. It returns io.EOF
// when r is exhausted at a frame boundary, and ErrCorruptFrame when a
// partially-written or corrupted trailing frame is found — callers (log
// replay) must treat that as "truncate here", not as a hard failure.
var ErrCorruptFrame = fmt.Errorf("record: corrupt or truncated frame")

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrCorruptFrame
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 64 << 20 // 64MiB guards against a corrupt length field
	if n > maxFrame {
		return nil, ErrCorruptFrame
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrCorruptFrame
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, ErrCorruptFrame
	}
	want := binary.BigEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, ErrCorruptFrame
	}
	return payload, nil
}
