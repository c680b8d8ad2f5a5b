package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePacketNumber(t *testing.T) {
	// example from RFC 9000, appendix A.3
	assert.Equal(t, PacketNumber(0xa82f9b32), DecodePacketNumber(PacketNumberLen2, 0xa82f30ea, 0x9b32))

	// packet number 0 is a legal first packet number
	assert.Equal(t, PacketNumber(0), DecodePacketNumber(PacketNumberLen1, InvalidPacketNumber, 0))

	// window wrapping, low side
	assert.Equal(t, PacketNumber(255), DecodePacketNumber(PacketNumberLen1, 254, 255))
	assert.Equal(t, PacketNumber(256), DecodePacketNumber(PacketNumberLen1, 255, 0))
	// a truncated number far behind the expected one refers to the past window
	assert.Equal(t, PacketNumber(0xfe), DecodePacketNumber(PacketNumberLen1, 0x100, 0xfe))
}

func TestPacketNumberLengthForHeader(t *testing.T) {
	assert.Equal(t, PacketNumberLen2, PacketNumberLengthForHeader(42, InvalidPacketNumber))
	assert.Equal(t, PacketNumberLen2, PacketNumberLengthForHeader(1<<14, 1))
	assert.Equal(t, PacketNumberLen3, PacketNumberLengthForHeader(1<<15, 1))
	assert.Equal(t, PacketNumberLen3, PacketNumberLengthForHeader(1<<22, 1))
	assert.Equal(t, PacketNumberLen4, PacketNumberLengthForHeader(1<<23, 1))
}

func TestDecodeRoundTrip(t *testing.T) {
	// 2 * (pn - largestAcked) must fit into the representable window for the chosen length
	for _, largestAcked := range []PacketNumber{InvalidPacketNumber, 0, 10, 1 << 13, 1 << 20} {
		for _, pn := range []PacketNumber{1, 100, 1 << 14, 1 << 21, 1 << 27} {
			if largestAcked >= pn {
				continue
			}
			l := PacketNumberLengthForHeader(pn, largestAcked)
			truncated := pn & (1<<(8*l) - 1)
			assert.Equal(t, pn, DecodePacketNumber(l, pn-1, truncated))
		}
	}
}
