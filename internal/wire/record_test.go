package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	records := []Record{
		NewDone(1234),
		NewClosed(42),
		NewKill(),
		NewRange(1, 1000),
		NewPerfnum(8128),
		NewNotify(),
		NewAccept(),
		NewRefuse(),
	}

	var buf bytes.Buffer
	for _, rec := range records {
		require.NoError(t, Write(&buf, rec))
	}
	assert.Equal(t, Size*len(records), buf.Len())

	for _, want := range records {
		got, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := Read(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPayloadAccessors(t *testing.T) {
	assert.Equal(t, int32(99), NewDone(99).Pid())
	assert.Equal(t, int32(7), NewClosed(7).Pid())
	assert.Equal(t, int32(8128), NewPerfnum(8128).Value())

	grant := NewRange(1001, 2000)
	assert.Equal(t, int32(1001), grant.Start())
	assert.Equal(t, int32(2000), grant.End())
}

func TestReadRetriesShortReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, NewPerfnum(28)))

	got, err := Read(iotest.OneByteReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, NewPerfnum(28), got)
}

func TestReadRejectsBadTag(t *testing.T) {
	var raw [Size]byte
	binary.NativeEndian.PutUint32(raw[0:4], 99)

	_, err := Read(bytes.NewReader(raw[:]))
	require.ErrorIs(t, err, ErrBadTag)
}

func TestReadTruncatedRecord(t *testing.T) {
	raw := make([]byte, Size-1)
	_, err := Read(bytes.NewReader(raw))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
