package frame

import (
	"google.golang.org/protobuf/proto"

	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// ProtoCodec encodes messages with google.golang.org/protobuf. Since a
// generic type parameter bound only by the proto.Message interface has
// no usable zero value to decode into, New must produce a fresh,
// concrete message instance for DecodeMessage to populate.
type ProtoCodec[M proto.Message] struct {
	New func() M
}

func (c ProtoCodec[M]) EncodeMessage(m M) ([]byte, error) {
	const op = "frame: encode proto"
	b, err := proto.Marshal(m)
	if err != nil {
		return nil, rpcerr.E(op, rpcerr.Codec, err)
	}
	return b, nil
}

func (c ProtoCodec[M]) DecodeMessage(data []byte) (M, error) {
	const op = "frame: decode proto"
	m := c.New()
	if len(data) == 0 {
		return m, nil
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return m, rpcerr.E(op, rpcerr.Codec, err)
	}
	return m, nil
}
