package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadia-rpc/peerlink/pkg/frame"
)

type fooBar struct {
	Foo string `json:"foo"`
	Baz int    `json:"baz"`
}

func TestHeaderLayoutV2(t *testing.T) {
	c := frame.New[fooBar](frame.JSONCodec[fooBar]{})

	encoded, err := c.Encode(fooBar{Foo: "bar", Baz: 42}, 42)
	require.NoError(t, err)

	require.Len(t, encoded, 8+22)
	assert.Equal(t, byte(0x02), encoded[0])
	assert.Equal(t, byte(0x00), encoded[1])
	assert.Equal(t, []byte{0x00, 0x2A}, encoded[2:4])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x16}, encoded[4:8])
	assert.Equal(t, `{"foo":"bar","baz":42}`, string(encoded[8:]))
}

func TestPartialFrameDecode(t *testing.T) {
	c := frame.New[fooBar](frame.JSONCodec[fooBar]{})
	encoded, err := c.Encode(fooBar{Foo: "bar", Baz: 42}, 42)
	require.NoError(t, err)

	var st frame.DecodeState

	_, _, complete, n, err := c.Decode(encoded[:4], &st)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 4, n)

	_, _, complete, n, err = c.Decode(encoded[4:14], &st)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 10, n)

	msg, channel, complete, n, err := c.Decode(encoded[14:], &st)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, len(encoded)-14, n)
	assert.Equal(t, 42, channel)
	assert.Equal(t, fooBar{Foo: "bar", Baz: 42}, msg)
}

func TestV1Compatibility(t *testing.T) {
	c := frame.New[fooBar](frame.JSONCodec[fooBar]{})

	body := []byte(`{"foo":"bar","baz":42}`)
	encoded := append([]byte{0x01, 0x2A, 0x00, 0x00, 0x00, 0x16}, body...)

	var st frame.DecodeState
	msg, channel, complete, n, err := c.Decode(encoded, &st)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, 42, channel)
	assert.Equal(t, fooBar{Foo: "bar", Baz: 42}, msg)
}

func TestRoundTripAcrossChannelRange(t *testing.T) {
	c := frame.New[fooBar](frame.JSONCodec[fooBar]{})

	for _, ch := range []int{0, 1, 255, 256, 40000, frame.MaxChannels - 1} {
		encoded, err := c.Encode(fooBar{Foo: "x", Baz: ch}, ch)
		require.NoError(t, err)

		var st frame.DecodeState
		msg, channel, complete, n, err := c.Decode(encoded, &st)
		require.NoError(t, err)
		assert.True(t, complete)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, ch, channel)
		assert.Equal(t, ch, msg.Baz)
	}
}

func TestEmptyBodyCompletesAtHeader(t *testing.T) {
	c := frame.New[[]byte](frame.RawCodec{})

	encoded, err := c.Encode(nil, 3)
	require.NoError(t, err)
	assert.Len(t, encoded, 8)

	var st frame.DecodeState
	_, channel, complete, n, err := c.Decode(encoded, &st)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 8, n)
	assert.Equal(t, 3, channel)
}

func TestEmptyBufferIsNotComplete(t *testing.T) {
	c := frame.New[[]byte](frame.RawCodec{})
	var st frame.DecodeState
	_, _, complete, n, err := c.Decode(nil, &st)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 0, n)
}

func TestUnknownVersionIsCodecError(t *testing.T) {
	c := frame.New[[]byte](frame.RawCodec{})
	var st frame.DecodeState
	_, _, _, _, err := c.Decode([]byte{0x09, 0, 0, 0, 0, 0}, &st)
	require.Error(t, err)
}

func TestRecodeRewritesChannelOnly(t *testing.T) {
	c := frame.New[fooBar](frame.JSONCodec[fooBar]{})
	encoded, err := c.Encode(fooBar{Foo: "bar", Baz: 42}, 7)
	require.NoError(t, err)

	recoded, err := c.Recode(encoded, 99)
	require.NoError(t, err)

	var st frame.DecodeState
	msg, channel, complete, _, err := c.Decode(recoded, &st)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 99, channel)
	assert.Equal(t, fooBar{Foo: "bar", Baz: 42}, msg)
}

func TestCompressedFrameWithoutCompressorFails(t *testing.T) {
	c := frame.New[[]byte](frame.RawCodec{})
	encoded, err := c.Encode([]byte("hello"), 1)
	require.NoError(t, err)
	encoded[1] |= 0x01 // force the compressed flag despite no compressor

	var st frame.DecodeState
	_, _, _, _, err = c.Decode(encoded, &st)
	require.Error(t, err)
}

func TestSnappyCompressionRoundTrips(t *testing.T) {
	c := frame.New[[]byte](frame.RawCodec{}, frame.WithCompressor[[]byte](frame.SnappyCompressor{MinSize: 1}))

	payload := []byte("a payload long enough to be worth compressing, repeated, repeated, repeated")
	encoded, err := c.Encode(payload, 5)
	require.NoError(t, err)
	assert.NotEqual(t, byte(0), encoded[1]&0x01)

	var st frame.DecodeState
	msg, channel, complete, _, err := c.Decode(encoded, &st)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 5, channel)
	assert.Equal(t, payload, msg)
}
