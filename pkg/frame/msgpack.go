package frame

import (
	"github.com/vmihailenco/msgpack"

	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// MsgPackCodec encodes messages with vmihailenco/msgpack, a compact
// binary alternative to JSON.
type MsgPackCodec[M any] struct{}

func (MsgPackCodec[M]) EncodeMessage(m M) ([]byte, error) {
	const op = "frame: encode msgpack"
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, rpcerr.E(op, rpcerr.Codec, err)
	}
	return b, nil
}

func (MsgPackCodec[M]) DecodeMessage(data []byte) (M, error) {
	const op = "frame: decode msgpack"
	var m M
	if len(data) == 0 {
		return m, nil
	}
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return m, rpcerr.E(op, rpcerr.Codec, err)
	}
	return m, nil
}
