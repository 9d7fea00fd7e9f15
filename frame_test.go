package tchannel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramePoolReleaseResetsFields(t *testing.T) {
	pool := NewFramePool()
	f := pool.Get()
	f.Type = frameTypeCallReq
	f.ID = 42
	f.Size = 10

	pool.Release(f)

	g := pool.Get()
	require.Equal(t, frameType(0), g.Type)
	require.Equal(t, uint32(0), g.ID)
	require.Equal(t, 0, g.Size)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	pool := NewFramePool()
	f := pool.Get()
	f.Type = frameTypeCallReq
	f.ID = 99
	f.Size = copy(f.Payload[:], []byte("payload-bytes"))

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, f))

	got, err := readFrame(&buf, pool)
	require.NoError(t, err)
	require.Equal(t, frameTypeCallReq, got.Type)
	require.Equal(t, uint32(99), got.ID)
	require.Equal(t, "payload-bytes", string(got.SizedPayload()))
}

func TestReadFrameShortHeaderFails(t *testing.T) {
	pool := NewFramePool()
	buf := bytes.NewReader([]byte{0x00, 0x01})
	_, err := readFrame(buf, pool)
	require.ErrorIs(t, err, ErrReadFailed)
}

func TestReadFrameRejectsUndersizedLength(t *testing.T) {
	pool := NewFramePool()
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x01}) // totalLen shorter than header
	buf.Write([]byte{0x00, 0, 0, 0, 0})
	_, err := readFrame(&buf, pool)
	require.ErrorIs(t, err, ErrReadFailed)
}

func TestFrameTypeString(t *testing.T) {
	require.Equal(t, "callReq", frameTypeCallReq.String())
	require.Equal(t, "initRes", frameTypeInitRes.String())
	require.Contains(t, frameType(200).String(), "frameType(200)")
}
