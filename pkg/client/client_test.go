package client_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadia-rpc/peerlink/internal/reactortest"
	"github.com/cascadia-rpc/peerlink/pkg/client"
	"github.com/cascadia-rpc/peerlink/pkg/frame"
	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

func decodeChannel(t *testing.T, codec *frame.Codec[[]byte], encoded []byte) int {
	t.Helper()
	var st frame.DecodeState
	_, channel, complete, _, err := codec.Decode(encoded, &st)
	require.NoError(t, err)
	require.True(t, complete)
	return channel
}

func respond(t *testing.T, codec *frame.Codec[[]byte], conn *reactortest.Conn, channel int, body []byte) {
	t.Helper()
	encoded, err := codec.Encode(body, channel)
	require.NoError(t, err)
	conn.Feed(encoded)
}

func TestConstructionRejectsOversizedMaxChannels(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	_, err := client.New[[]byte](conn, codec, client.WithMaxChannels(client.MaxAllowedChannels+1))
	require.Error(t, err)
}

func TestChannelReuseOnOverflow(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	cp, err := client.New[[]byte](conn, codec, client.WithMaxChannels(16))
	require.NoError(t, err)

	var futures []*client.Future[[]byte]
	for i := 0; i < 18; i++ {
		futures = append(futures, cp.SendMessage([]byte("req"), 0))
	}

	written := conn.Written()
	require.Len(t, written, 16)

	stats := cp.Stats()
	assert.Equal(t, 16, stats.ActiveChannels)
	assert.Equal(t, 2, stats.QueuedMessages)
	assert.EqualValues(t, 16, stats.SentMessages)

	firstChannel := decodeChannel(t, codec, written[0])
	respond(t, codec, conn, firstChannel, []byte("resp"))

	written = conn.Written()
	require.Len(t, written, 17)
	assert.Equal(t, 1, cp.Stats().QueuedMessages)

	secondChannel := decodeChannel(t, codec, written[1])
	respond(t, codec, conn, secondChannel, []byte("resp"))

	written = conn.Written()
	require.Len(t, written, 18)
	assert.Equal(t, 0, cp.Stats().QueuedMessages)

	msg, err := futures[0].Wait()
	require.NoError(t, err)
	assert.Equal(t, []byte("resp"), msg)
}

func TestFIFOOrderingOfQueuedRequests(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	cp, err := client.New[[]byte](conn, codec, client.WithMaxChannels(1))
	require.NoError(t, err)

	cp.SendMessage([]byte("R1"), 0)
	cp.SendMessage([]byte("R2"), 0)

	require.Len(t, conn.Written(), 1)

	ch := decodeChannel(t, codec, conn.Written()[0])
	respond(t, codec, conn, ch, []byte("ok"))

	written := conn.Written()
	require.Len(t, written, 2)

	var st frame.DecodeState
	msg, _, _, _, err := codec.Decode(written[1], &st)
	require.NoError(t, err)
	assert.Equal(t, []byte("R2"), msg)
}

func TestTimeoutRaceDropsLateResponse(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)

	fireTimer := make(chan time.Time, 1)
	cp, err := client.New[[]byte](conn, codec,
		client.WithMaxChannels(4),
		client.WithTimerScheduler(func(time.Duration) <-chan time.Time { return fireTimer }),
	)
	require.NoError(t, err)

	future := cp.SendMessage([]byte("req"), time.Millisecond)
	fireTimer <- time.Now()

	_, err = future.Wait()
	require.Error(t, err)
	assert.True(t, rpcerr.Is(rpcerr.Timeout, err))

	assert.EqualValues(t, 1, cp.Stats().Timeouts)
	// The channel stays occupied until the response or a close —
	// it is not reclaimed on timeout.
	assert.Equal(t, 1, cp.Stats().ActiveChannels)

	ch := decodeChannel(t, codec, conn.Written()[0])
	respond(t, codec, conn, ch, []byte("too-late"))

	// The future already completed with the timeout error, so the late
	// response loses the CompareAndSwap race and is dropped silently:
	// receivedResponses must not move, even though the slot is freed.
	assert.EqualValues(t, 0, cp.Stats().ReceivedResponses)
	assert.Equal(t, 0, cp.Stats().ActiveChannels)
}

func TestCloseDrainsChannelsAndQueue(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	cp, err := client.New[[]byte](conn, codec, client.WithMaxChannels(1))
	require.NoError(t, err)

	inFlight := cp.SendMessage([]byte("R1"), 0)
	queued := cp.SendMessage([]byte("R2"), 0)

	conn.Close(nil)

	_, err = inFlight.Wait()
	require.Error(t, err)
	assert.True(t, rpcerr.Is(rpcerr.ConnectionClosed, err))

	_, err = queued.Wait()
	require.Error(t, err)
	assert.True(t, rpcerr.Is(rpcerr.RequestNotSent, err))

	stats := cp.Stats()
	assert.Equal(t, 0, stats.ActiveChannels)
	assert.Equal(t, 0, stats.QueuedMessages)
}

func TestSendMessageOnClosedConnectionFailsImmediately(t *testing.T) {
	codec := frame.New[[]byte](frame.RawCodec{})
	conn := reactortest.New("h", 1)
	cp, err := client.New[[]byte](conn, codec)
	require.NoError(t, err)

	conn.Close(nil)

	future := cp.SendMessage([]byte("req"), 0)
	_, err = future.Wait()
	require.Error(t, err)
	assert.True(t, rpcerr.Is(rpcerr.RequestNotSent, err))
}
