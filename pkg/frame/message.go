package frame

// MessageCodec is the plug-in extension point for application message
// serialization — the encodeMessage/decodeMessage pair from the wire
// contract. Implementations never see the frame header; they only ever
// see the already-framed body bytes.
type MessageCodec[M any] interface {
	EncodeMessage(m M) ([]byte, error)
	DecodeMessage(data []byte) (M, error)
}
