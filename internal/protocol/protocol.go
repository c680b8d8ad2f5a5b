package protocol

import (
	"fmt"
	"time"
)

// A PacketNumber in QUIC
type PacketNumber int64

// InvalidPacketNumber is a packet number that is never sent.
// In QUIC, 0 is a valid packet number.
const InvalidPacketNumber PacketNumber = -1

// PacketNumberLen is the length of the packet number in bytes
type PacketNumberLen uint8

const (
	// PacketNumberLen1 is a packet number length of 1 byte
	PacketNumberLen1 PacketNumberLen = 1
	// PacketNumberLen2 is a packet number length of 2 bytes
	PacketNumberLen2 PacketNumberLen = 2
	// PacketNumberLen3 is a packet number length of 3 bytes
	PacketNumberLen3 PacketNumberLen = 3
	// PacketNumberLen4 is a packet number length of 4 bytes
	PacketNumberLen4 PacketNumberLen = 4
)

// ECN represents the ECN codepoint of an IP packet.
type ECN uint8

const (
	// ECNUnsupported means that no ECN value was set / received
	ECNUnsupported ECN = iota
	// ECNNonECT signals Not-ECT
	ECNNonECT
	// ECT1 signals ECT(1)
	ECT1
	// ECT0 signals ECT(0)
	ECT0
	// ECNCE signals CE
	ECNCE
)

// ParseECNHeaderBits parses the ECN bits of the IP header.
func ParseECNHeaderBits(bits byte) ECN {
	switch bits {
	case 0:
		return ECNNonECT
	case 0b00000001:
		return ECT1
	case 0b00000010:
		return ECT0
	case 0b00000011:
		return ECNCE
	default:
		panic("invalid ECN bits")
	}
}

// ToHeaderBits converts the ECN value to the bits used on the IP header.
func (e ECN) ToHeaderBits() byte {
	//nolint:exhaustive // all other values are invalid
	switch e {
	case ECNNonECT:
		return 0
	case ECT1:
		return 0b00000001
	case ECT0:
		return 0b00000010
	case ECNCE:
		return 0b00000011
	default:
		panic("ECN unsupported")
	}
}

func (e ECN) String() string {
	switch e {
	case ECNUnsupported:
		return "ECN unsupported"
	case ECNNonECT:
		return "Not-ECT"
	case ECT1:
		return "ECT(1)"
	case ECT0:
		return "ECT(0)"
	case ECNCE:
		return "CE"
	default:
		return fmt.Sprintf("invalid ECN value: %d", uint8(e))
	}
}

// A ByteCount in QUIC
type ByteCount int64

// MaxByteCount is the maximum value of a ByteCount
const MaxByteCount = ByteCount(1<<62 - 1)

// An ApplicationErrorCode is an application-defined error code.
type ApplicationErrorCode uint64

// A StatelessResetToken is a stateless reset token.
type StatelessResetToken [16]byte

// MaxPacketBufferSize maximum packet size of any QUIC packet, based on
// ethernet's max size, minus the IP and UDP headers. IPv6 has a 40 byte header,
// UDP adds an additional 8 bytes.  This is a total overhead of 48 bytes.
// Ethernet's max packet size is 1500 bytes,  1500 - 48 = 1452.
const MaxPacketBufferSize ByteCount = 1452

// MaxLargePacketBufferSize is used for packets larger than MaxPacketBufferSize,
// e.g. coalesced datagrams assembled during the handshake.
const MaxLargePacketBufferSize ByteCount = 20 * 1024

// MinInitialPacketSize is the minimum size of an Initial packet.
const MinInitialPacketSize ByteCount = 1200

// MinUnknownVersionPacketSize is the minimum size a packet with an unknown version
// needs to have in order to trigger a Version Negotiation packet.
const MinUnknownVersionPacketSize = MinInitialPacketSize

// MinStatelessResetSize is the minimum size of a stateless reset packet that we send.
const MinStatelessResetSize = 1 /* first byte */ + 20 /* max. conn ID length */ + 4 /* max. packet number length */ + 1 /* min. payload length */ + 16 /* token */

// MinReceivedStatelessResetSize is the minimum size of a received stateless reset,
// as specified in section 10.3 of RFC 9000.
const MinReceivedStatelessResetSize = 5 + 16

// MinConnectionIDLenInitial is the minimum length of the destination connection ID on an Initial packet.
const MinConnectionIDLenInitial = 8

// DefaultConnectionIDLength is the connection ID length that is used for self-generated connection IDs.
const DefaultConnectionIDLength = 4

// DefaultAckDelayExponent is the default ack delay exponent
const DefaultAckDelayExponent = 3

// MaxAckDelayExponent is the maximum ack delay exponent
const MaxAckDelayExponent = 20

// DefaultMaxAckDelay is the default max_ack_delay
const DefaultMaxAckDelay = 25 * time.Millisecond

// MaxMaxAckDelay is the maximum max_ack_delay
const MaxMaxAckDelay = (1<<14 - 1) * time.Millisecond

// DefaultActiveConnectionIDLimit is the active_connection_id_limit to use, if the transport parameter is absent
const DefaultActiveConnectionIDLimit = 2

// TimerGranularity is the granularity of loss detection timers.
const TimerGranularity = time.Millisecond

// MinPacingDelay is the minimum duration that a packet can be delayed by the pacer.
const MinPacingDelay = time.Millisecond

// MaxStreamCount is the maximum stream count value that can be sent in MAX_STREAMS frames
// and as the stream count in the transport parameters
const MaxStreamCount StreamNum = 1 << 60

// InitialPacketSize is the size used for Initial datagrams.
const InitialPacketSize ByteCount = 1200

// MinCoalescedPacketSize is the minimum size of a coalesced packet.
const MinCoalescedPacketSize = 128
