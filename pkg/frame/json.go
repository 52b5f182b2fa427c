package frame

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec encodes messages as JSON via json-iterator, a drop-in,
// faster replacement for encoding/json.
type JSONCodec[M any] struct{}

func (JSONCodec[M]) EncodeMessage(m M) ([]byte, error) {
	const op = "frame: encode json"
	b, err := jsonAPI.Marshal(m)
	if err != nil {
		return nil, rpcerr.E(op, rpcerr.Codec, err)
	}
	return b, nil
}

func (JSONCodec[M]) DecodeMessage(data []byte) (M, error) {
	const op = "frame: decode json"
	var m M
	if len(data) == 0 {
		return m, nil
	}
	if err := jsonAPI.Unmarshal(data, &m); err != nil {
		return m, rpcerr.E(op, rpcerr.Codec, err)
	}
	return m, nil
}
