package netdev

import "encoding/binary"

// Ethernet frame geometry.
const (
	// HeaderLen is the length of an Ethernet II header.
	HeaderLen = 14

	// MaxFrameSize is the largest frame carried on the data path:
	// header plus a 1500-byte MTU, without the frame check sequence.
	MaxFrameSize = 1514

	// GuardSize pads frame staging buffers past MaxFrameSize so upper
	// layers can read fixed-size headers without bounds juggling.
	GuardSize = 2
)

// EtherType values dispatched by the data path.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86DD
)

// FrameType returns the EtherType of an Ethernet II frame, or 0 if the
// frame is shorter than a header.
func FrameType(frame []byte) uint16 {
	if len(frame) < HeaderLen {
		return 0
	}
	return binary.BigEndian.Uint16(frame[12:14])
}

// BroadcastAddr is the Ethernet broadcast address.
var BroadcastAddr = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
