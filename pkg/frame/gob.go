package frame

import (
	"bytes"
	"encoding/gob"

	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// GobCodec encodes messages with stdlib encoding/gob. It's a
// self-describing, Go-only format, useful when both ends of a
// connection are Go processes and cross-language interop isn't needed.
type GobCodec[M any] struct{}

func (GobCodec[M]) EncodeMessage(m M) ([]byte, error) {
	const op = "frame: encode gob"
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, rpcerr.E(op, rpcerr.Codec, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec[M]) DecodeMessage(data []byte) (M, error) {
	const op = "frame: decode gob"
	var m M
	if len(data) == 0 {
		return m, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return m, rpcerr.E(op, rpcerr.Codec, err)
	}
	return m, nil
}
