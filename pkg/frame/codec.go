// Package frame implements the wire codec used by the peer subsystem: a
// length-prefixed, channel-tagged frame header (two supported
// versions) wrapping an application message body, with optional
// compression and in-place channel recoding. The codec itself is
// stateless — every call threads an opaque DecodeState through
// successive Decode calls, so a caller can feed it partial buffers
// across multiple reads without the codec holding any state of its own.
package frame

import (
	"encoding/binary"

	"github.com/cascadia-rpc/peerlink/internal/bufpool"
	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

type decodePhase byte

const (
	phaseHeader decodePhase = iota
	phaseBody
)

// DecodeState is the opaque, per-connection cursor threaded through
// Decode. Zero value is ready to use.
type DecodeState struct {
	phase      decodePhase
	header     []byte
	body       []byte
	version    Version
	channel    int
	length     uint32
	compressed bool
}

func (s *DecodeState) reset() {
	s.phase = phaseHeader
	s.header = s.header[:0]
	s.body = nil
}

// Codec frames and unframes messages of type M, delegating application
// serialization to a MessageCodec[M] and optionally compressing bodies
// through a Compressor.
type Codec[M any] struct {
	messages   MessageCodec[M]
	compressor Compressor
}

// Option configures a Codec at construction time.
type Option[M any] func(*Codec[M])

// WithCompressor enables compression on both encode and decode.
func WithCompressor[M any](c Compressor) Option[M] {
	return func(cd *Codec[M]) { cd.compressor = c }
}

// New builds a Codec around the given message delegate.
func New[M any](messages MessageCodec[M], opts ...Option[M]) *Codec[M] {
	c := &Codec[M]{messages: messages}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recoding reports whether Recode is supported. It always is for this
// codec: the channel field lives at a fixed offset in both header
// versions, so rewriting it never requires touching the body.
func (c *Codec[M]) Recoding() bool { return true }

// Encode serializes m via the message delegate, optionally compresses
// the body, and emits a version-2 frame.
func (c *Codec[M]) Encode(m M, channel int) ([]byte, error) {
	const op = "frame: encode"

	body, err := c.messages.EncodeMessage(m)
	if err != nil {
		return nil, rpcerr.E(op, rpcerr.Codec, err)
	}

	var flags byte
	if c.compressor != nil && c.compressor.ShouldCompress(body) {
		compressed, err := c.compressor.Compress(body)
		if err != nil {
			return nil, rpcerr.E(op, rpcerr.Codec, err)
		}
		body = compressed
		flags |= flagCompressed
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	var header [v2HeaderLen]byte
	header[0] = byte(V2)
	header[1] = flags
	binary.BigEndian.PutUint16(header[2:4], uint16(channel)) //nolint:gosec
	binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))

	buf.Grow(v2HeaderLen + len(body))
	buf.Write(header[:])
	buf.Write(body)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Recode rewrites the channel field of an already-encoded frame
// without touching the body, so a request queued under a placeholder
// channel can be eagerly encoded and only have its channel byte(s)
// patched on dequeue.
func (c *Codec[M]) Recode(encoded []byte, newChannel int) ([]byte, error) {
	const op = "frame: recode"
	if len(encoded) < 1 {
		return nil, rpcerr.E(op, rpcerr.Codec, rpcerr.Str("frame too short to recode"))
	}

	out := make([]byte, len(encoded))
	copy(out, encoded)

	switch Version(out[0]) {
	case V1:
		if len(out) < v1HeaderLen {
			return nil, rpcerr.E(op, rpcerr.Codec, rpcerr.Str("v1 frame too short to recode"))
		}
		out[1] = byte(newChannel) //nolint:gosec
	case V2:
		if len(out) < v2HeaderLen {
			return nil, rpcerr.E(op, rpcerr.Codec, rpcerr.Str("v2 frame too short to recode"))
		}
		binary.BigEndian.PutUint16(out[2:4], uint16(newChannel)) //nolint:gosec
	default:
		return nil, rpcerr.E(op, rpcerr.Codec, rpcerr.Str("unknown frame version"))
	}
	return out, nil
}

// Decode consumes bytes from buf without over-reading. It returns
// (zero, 0, false, n, nil) when the frame is not yet complete, having
// consumed n bytes of buf into state; it returns (message, channel,
// true, n, nil) once a full frame is recognized, where n may be less
// than len(buf) when another frame's bytes follow immediately. state
// is reset to NeedHeader after a complete frame.
func (c *Codec[M]) Decode(buf []byte, state *DecodeState) (msg M, channel int, complete bool, consumed int, err error) {
	const op = "frame: decode"

	if len(buf) == 0 && len(state.header) == 0 {
		return msg, 0, false, 0, nil
	}

	if state.phase == phaseHeader {
		// Need at least one byte to detect the version.
		for len(state.header) < 1 && consumed < len(buf) {
			state.header = append(state.header, buf[consumed])
			consumed++
		}
		if len(state.header) < 1 {
			return msg, 0, false, consumed, nil
		}

		var headerLen int
		switch Version(state.header[0]) {
		case V1:
			headerLen = v1HeaderLen
		case V2:
			headerLen = v2HeaderLen
		default:
			return msg, 0, false, consumed, rpcerr.E(op, rpcerr.Codec, rpcerr.Str("unknown frame version"))
		}

		for len(state.header) < headerLen && consumed < len(buf) {
			state.header = append(state.header, buf[consumed])
			consumed++
		}
		if len(state.header) < headerLen {
			return msg, 0, false, consumed, nil
		}

		switch Version(state.header[0]) {
		case V1:
			state.version = V1
			state.channel = int(state.header[1])
			state.length = binary.BigEndian.Uint32(state.header[2:6])
			state.compressed = false
		case V2:
			state.version = V2
			state.compressed = state.header[1]&flagCompressed != 0
			state.channel = int(binary.BigEndian.Uint16(state.header[2:4]))
			state.length = binary.BigEndian.Uint32(state.header[4:8])
		}
		state.phase = phaseBody
		state.body = make([]byte, 0, state.length)
	}

	need := int(state.length) - len(state.body)
	take := need
	if avail := len(buf) - consumed; take > avail {
		take = avail
	}
	if take > 0 {
		state.body = append(state.body, buf[consumed:consumed+take]...)
		consumed += take
	}

	if len(state.body) < int(state.length) {
		return msg, 0, false, consumed, nil
	}

	channel = state.channel
	body := state.body
	compressed := state.compressed
	state.reset()

	if compressed {
		if c.compressor == nil {
			return msg, channel, true, consumed, rpcerr.E(op, rpcerr.Codec, rpcerr.Str("compressed frame received with no compressor configured"))
		}
		decompressed, derr := c.compressor.Decompress(body)
		if derr != nil {
			return msg, channel, true, consumed, rpcerr.E(op, rpcerr.Codec, derr)
		}
		body = decompressed
	}

	msg, err = c.messages.DecodeMessage(body)
	if err != nil {
		return msg, channel, true, consumed, rpcerr.E(op, rpcerr.Codec, err)
	}
	return msg, channel, true, consumed, nil
}
