package peer_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadia-rpc/peerlink/internal/reactortest"
	"github.com/cascadia-rpc/peerlink/pkg/frame"
	"github.com/cascadia-rpc/peerlink/pkg/peer"
)

func TestPeerDeliversCompleteFramesAcrossChunks(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)

	var got [][]byte
	var channels []int
	p := peer.New[[]byte](conn, codec, func(msg []byte, channel int) {
		got = append(got, msg)
		channels = append(channels, channel)
	}, nil)
	_ = p

	encoded, err := codec.Encode([]byte("hello"), 9)
	require.NoError(t, err)

	conn.Feed(encoded[:3])
	assert.Empty(t, got)
	conn.Feed(encoded[3:])
	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello"), got[0])
	assert.Equal(t, 9, channels[0])
}

func TestPeerDeliversBackToBackFramesInOneChunk(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)

	var got [][]byte
	peer.New[[]byte](conn, codec, func(msg []byte, channel int) {
		got = append(got, msg)
	}, nil)

	a, _ := codec.Encode([]byte("one"), 1)
	b, _ := codec.Encode([]byte("two"), 2)
	conn.Feed(append(a, b...))

	require.Len(t, got, 2)
	assert.Equal(t, []byte("one"), got[0])
	assert.Equal(t, []byte("two"), got[1])
}

func TestPeerClosesConnectionOnMalformedFrame(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	peer.New[[]byte](conn, codec, func([]byte, int) {}, nil)

	conn.Feed([]byte{0x09, 0, 0, 0, 0, 0, 0, 0})
	assert.True(t, conn.Closed())
}

func TestOnClosedFansOutOnceWithCause(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	p := peer.New[[]byte](conn, codec, func([]byte, int) {}, nil)

	var a, b error
	seenA, seenB := false, false
	p.OnClosed(func(cause error) { a = cause; seenA = true })
	p.OnClosed(func(cause error) { b = cause; seenB = true })

	cause := errors.New("boom")
	conn.Close(cause)

	require.True(t, seenA)
	require.True(t, seenB)
	assert.Equal(t, cause, a)
	assert.Equal(t, cause, b)

	// a listener registered after close fires immediately with the
	// recorded cause.
	var late error
	p.OnClosed(func(c error) { late = c })
	assert.Equal(t, cause, late)
}

func TestOnClosedWithNilCauseIsCleanClose(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	p := peer.New[[]byte](conn, codec, func([]byte, int) {}, nil)

	var got error
	gotAny := false
	p.OnClosed(func(cause error) { got = cause; gotAny = true })
	conn.Close(nil)

	require.True(t, gotAny)
	assert.NoError(t, got)
}
