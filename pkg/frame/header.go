package frame

// Version identifies the frame header layout on the wire. Decoders
// must accept both; encoders always emit V2.
type Version byte

const (
	V1 Version = 1
	V2 Version = 2
)

const (
	// v1 header: version(1) + channel(1) + length(4) = 6 bytes.
	v1HeaderLen = 6
	// v2 header: version(1) + flags(1) + channel(2) + length(4) = 8 bytes.
	v2HeaderLen = 8

	// flagCompressed is bit 0 of the v2 flags byte.
	flagCompressed byte = 1 << 0

	// MaxChannels bounds the channel ID domain; a v1 channel byte can
	// only ever address 256 of these, a v2 uint16 channel all 65536.
	MaxChannels = 1 << 16
)
