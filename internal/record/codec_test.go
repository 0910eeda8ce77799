package record

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tc-dynconf/configchange/internal/topology"
)

func sample() Record {
	return NewPrepared(
		NewUUID(), nil, 1,
		topology.Payload{Op: topology.OpAttachNode, StripeName: "s1", Node: &topology.Node{Name: "n2", Host: "h", Port: 1}},
		topology.Empty("c1"),
		Audit{Host: "h1", User: "admin", Timestamp: time.Now().UTC().Truncate(time.Millisecond)},
	)
}

func TestRecord_RoundTrip(t *testing.T) {
	r := sample()
	b, err := Marshal(r)
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRecord_Sealed_RoundTrip(t *testing.T) {
	r := sample()
	sealed := Sealed(r, Committed, Audit{Host: "h1", User: "admin", Timestamp: time.Now().UTC().Truncate(time.Millisecond)})
	b, err := Marshal(sealed)
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, sealed, got)
	assert.True(t, got.State.Terminal())
}

func TestFrame_RoundTrip(t *testing.T) {
	r := sample()
	payload, err := Marshal(r)
	require.NoError(t, err)
	framed := Frame(payload)

	got, err := ReadFrame(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrame_TruncatedTail(t *testing.T) {
	r := sample()
	payload, err := Marshal(r)
	require.NoError(t, err)
	framed := Frame(payload)

	// Simulate a crash mid-write: the trailing frame is cut short.
	truncated := framed[:len(framed)-3]
	_, err = ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestReadFrame_EOFAtBoundary(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	require.Error(t, err)
	assert.Equal(t, "EOF", err.Error())
}
