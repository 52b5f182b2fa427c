package frame

import (
	"github.com/golang/snappy"

	"github.com/cascadia-rpc/peerlink/pkg/rpcerr"
)

// Compressor is the advisory compression delegate from the wire
// contract: encode consults ShouldCompress before replacing the body
// with its compressed form, so small bodies can skip the round trip.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	ShouldCompress(data []byte) bool
}

// SnappyCompressor is grounded on packetd-packetd's use of
// github.com/golang/snappy for wire-level payload compression, the
// only compressor the retrieval pack wires up for a streamed protocol.
type SnappyCompressor struct {
	// MinSize is the smallest body, in bytes, worth compressing.
	// Bodies shorter than this are passed through uncompressed even
	// when a compressor is configured. Defaults to 64 when zero.
	MinSize int
}

func (s SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (s SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	const op = "frame: snappy decompress"
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, rpcerr.E(op, rpcerr.Codec, err)
	}
	return out, nil
}

func (s SnappyCompressor) ShouldCompress(data []byte) bool {
	min := s.MinSize
	if min <= 0 {
		min = 64
	}
	return len(data) >= min
}
