package wire

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/quicvarint"

	"github.com/stretchr/testify/require"
)

func TestAckFrameParseWithoutRanges(t *testing.T) {
	data := encodeVarInt(100)                // largest acked
	data = append(data, encodeVarInt(0)...)  // delay
	data = append(data, encodeVarInt(0)...)  // num blocks
	data = append(data, encodeVarInt(10)...) // first ack block
	var frame AckFrame
	n, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, protocol.PacketNumber(100), frame.LargestAcked())
	require.Equal(t, protocol.PacketNumber(90), frame.LowestAcked())
	require.False(t, frame.HasMissingRanges())
}

func TestAckFrameParseSinglePacket(t *testing.T) {
	data := encodeVarInt(55)                // largest acked
	data = append(data, encodeVarInt(0)...) // delay
	data = append(data, encodeVarInt(0)...) // num blocks
	data = append(data, encodeVarInt(0)...) // first ack block
	var frame AckFrame
	n, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, protocol.PacketNumber(55), frame.LargestAcked())
	require.Equal(t, protocol.PacketNumber(55), frame.LowestAcked())
	require.False(t, frame.HasMissingRanges())
}

func TestAckFrameAcceptPacketNumber0(t *testing.T) {
	data := encodeVarInt(0)                 // largest acked
	data = append(data, encodeVarInt(0)...) // delay
	data = append(data, encodeVarInt(0)...) // num blocks
	data = append(data, encodeVarInt(0)...) // first ack block
	var frame AckFrame
	_, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketNumber(0), frame.LargestAcked())
	require.Equal(t, protocol.PacketNumber(0), frame.LowestAcked())
}

func TestAckFrameParseAckDelay(t *testing.T) {
	const delayTime = 255 * time.Millisecond
	data := encodeVarInt(64)
	data = append(data, encodeVarInt(uint64(delayTime/time.Microsecond)>>protocol.DefaultAckDelayExponent)...)
	data = append(data, encodeVarInt(0)...) // num blocks
	data = append(data, encodeVarInt(0)...) // first ack block
	var frame AckFrame
	_, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, delayTime, frame.DelayTime)
}

func TestAckFrameParseAckDelayOverflow(t *testing.T) {
	data := encodeVarInt(math.MaxUint64 / 5)
	data = append(data, encodeVarInt(math.MaxUint64/5)...) // delay
	data = append(data, encodeVarInt(0)...)                // num blocks
	data = append(data, encodeVarInt(0)...)                // first ack block
	var frame AckFrame
	_, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, time.Duration(math.MaxInt64), frame.DelayTime)
}

func TestAckFrameParseMultipleRanges(t *testing.T) {
	data := encodeVarInt(100)                // largest acked
	data = append(data, encodeVarInt(0)...)  // delay
	data = append(data, encodeVarInt(2)...)  // num blocks
	data = append(data, encodeVarInt(0)...)  // first ack block
	data = append(data, encodeVarInt(1)...)  // gap
	data = append(data, encodeVarInt(1)...)  // ack block
	data = append(data, encodeVarInt(57)...) // gap
	data = append(data, encodeVarInt(10)...) // ack block
	var frame AckFrame
	n, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, protocol.PacketNumber(100), frame.LargestAcked())
	require.Equal(t, protocol.PacketNumber(19), frame.LowestAcked())
	require.True(t, frame.HasMissingRanges())
	require.Equal(t, []AckRange{
		{Largest: 100, Smallest: 100},
		{Largest: 97, Smallest: 96},
		{Largest: 37, Smallest: 27},
	}, frame.AckRanges)
}

func TestAckFrameParseRejectFirstBlockLargerThanLargestAcked(t *testing.T) {
	data := encodeVarInt(20)                 // largest acked
	data = append(data, encodeVarInt(0)...)  // delay
	data = append(data, encodeVarInt(0)...)  // num blocks
	data = append(data, encodeVarInt(21)...) // first ack block
	var frame AckFrame
	_, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.EqualError(t, err, "invalid first ACK range")
}

func TestAckFrameParseRejectOverlappingRanges(t *testing.T) {
	data := encodeVarInt(1000)                // largest acked
	data = append(data, encodeVarInt(0)...)   // delay
	data = append(data, encodeVarInt(1)...)   // num blocks
	data = append(data, encodeVarInt(100)...) // first ack block
	data = append(data, encodeVarInt(98)...)  // gap
	data = append(data, encodeVarInt(50)...)  // ack block
	var frame AckFrame
	_, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.Error(t, err)
}

func TestAckFrameParseECN(t *testing.T) {
	data := encodeVarInt(100)                        // largest acked
	data = append(data, encodeVarInt(0)...)          // delay
	data = append(data, encodeVarInt(0)...)          // num blocks
	data = append(data, encodeVarInt(10)...)         // first ack block
	data = append(data, encodeVarInt(0x42)...)       // ECT(0)
	data = append(data, encodeVarInt(0x12345)...)    // ECT(1)
	data = append(data, encodeVarInt(0x12345678)...) // ECN-CE
	var frame AckFrame
	n, err := parseAckFrame(&frame, data, ackECNFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, uint64(0x42), frame.ECT0)
	require.Equal(t, uint64(0x12345), frame.ECT1)
	require.Equal(t, uint64(0x12345678), frame.ECNCE)
}

func TestAckFrameParseErrorsOnEOF(t *testing.T) {
	data := encodeVarInt(1000)                // largest acked
	data = append(data, encodeVarInt(0)...)   // delay
	data = append(data, encodeVarInt(1)...)   // num blocks
	data = append(data, encodeVarInt(100)...) // first ack block
	data = append(data, encodeVarInt(98)...)  // gap
	data = append(data, encodeVarInt(8)...)   // ack block
	var frame AckFrame
	_, err := parseAckFrame(&frame, data, ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	for i := range data {
		frame.Reset()
		_, err := parseAckFrame(&frame, data[:i], ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
		require.Equal(t, io.EOF, err)
	}
}

func TestAckFrameWriteSimple(t *testing.T) {
	frame := &AckFrame{AckRanges: []AckRange{{Smallest: 100, Largest: 1337}}}
	b, err := frame.Append(nil, protocol.Version1)
	require.NoError(t, err)
	expected := []byte{ackFrameType}
	expected = append(expected, encodeVarInt(1337)...)
	expected = append(expected, 0) // delay
	expected = append(expected, encodeVarInt(0)...)
	expected = append(expected, encodeVarInt(1337-100)...)
	require.Equal(t, expected, b)
	require.Equal(t, protocol.ByteCount(len(b)), frame.Length(protocol.Version1))
}

func TestAckFrameWriteECN(t *testing.T) {
	frame := &AckFrame{
		AckRanges: []AckRange{{Smallest: 10, Largest: 2000}},
		ECT0:      13,
		ECT1:      37,
		ECNCE:     12345,
	}
	b, err := frame.Append(nil, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.ByteCount(len(b)), frame.Length(protocol.Version1))
	var parsed AckFrame
	n, err := parseAckFrame(&parsed, b[1:], ackECNFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(b)-1, n)
	require.Equal(t, uint64(13), parsed.ECT0)
	require.Equal(t, uint64(37), parsed.ECT1)
	require.Equal(t, uint64(12345), parsed.ECNCE)
}

func TestAckFrameWriteMultipleRanges(t *testing.T) {
	frame := &AckFrame{AckRanges: []AckRange{
		{Smallest: 400, Largest: 1000},
		{Smallest: 50, Largest: 100},
	}}
	b, err := frame.Append(nil, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.ByteCount(len(b)), frame.Length(protocol.Version1))
	var parsed AckFrame
	n, err := parseAckFrame(&parsed, b[1:], ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(b)-1, n)
	require.Equal(t, frame.AckRanges, parsed.AckRanges)
}

func TestAckFrameLimitsNumberOfRanges(t *testing.T) {
	const numRanges = 1000
	ackRanges := make([]AckRange, numRanges)
	for i := 0; i < numRanges; i++ {
		pn := protocol.PacketNumber(1000 + 4*(numRanges-i))
		ackRanges[i] = AckRange{Smallest: pn, Largest: pn + 1}
	}
	frame := &AckFrame{AckRanges: ackRanges}
	b, err := frame.Append(nil, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.ByteCount(len(b)), frame.Length(protocol.Version1))
	require.LessOrEqual(t, len(b), 1000)
	var parsed AckFrame
	_, err = parseAckFrame(&parsed, b[1:], ackFrameType, protocol.DefaultAckDelayExponent, protocol.Version1)
	require.NoError(t, err)
	require.Greater(t, len(parsed.AckRanges), 250)
	require.Less(t, len(parsed.AckRanges), numRanges)
	require.Equal(t, frame.LargestAcked(), parsed.LargestAcked())
}

func TestAckFrameAcksPacket(t *testing.T) {
	frame := &AckFrame{AckRanges: []AckRange{
		{Smallest: 15, Largest: 20},
		{Smallest: 5, Largest: 8},
	}}
	require.False(t, frame.AcksPacket(4))
	require.True(t, frame.AcksPacket(5))
	require.True(t, frame.AcksPacket(8))
	require.False(t, frame.AcksPacket(9))
	require.False(t, frame.AcksPacket(14))
	require.True(t, frame.AcksPacket(15))
	require.True(t, frame.AcksPacket(18))
	require.True(t, frame.AcksPacket(20))
	require.False(t, frame.AcksPacket(21))
}

func TestAckFrameReset(t *testing.T) {
	frame := &AckFrame{
		DelayTime: time.Second,
		AckRanges: []AckRange{{Smallest: 1, Largest: 3}},
		ECT0:      1,
		ECT1:      2,
		ECNCE:     3,
	}
	frame.Reset()
	require.Empty(t, frame.AckRanges)
	require.Zero(t, frame.DelayTime)
	require.Zero(t, frame.ECT0)
	require.Zero(t, frame.ECT1)
	require.Zero(t, frame.ECNCE)
}

func encodeVarInt(i uint64) []byte {
	return quicvarint.Append(nil, i)
}
