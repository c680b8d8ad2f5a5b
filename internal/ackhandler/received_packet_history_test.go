package ackhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/wire"
)

func TestReceivedPacketHistory(t *testing.T) {
	hist := newReceivedPacketHistory()
	require.True(t, hist.ReceivedPacket(4))
	require.False(t, hist.ReceivedPacket(4)) // duplicate
	require.True(t, hist.ReceivedPacket(6))
	require.True(t, hist.ReceivedPacket(5))
	require.Equal(t, []wire.AckRange{{Smallest: 4, Largest: 6}}, hist.AppendAckRanges(nil))

	require.True(t, hist.ReceivedPacket(1))
	require.Equal(t, []wire.AckRange{
		{Smallest: 4, Largest: 6},
		{Smallest: 1, Largest: 1},
	}, hist.AppendAckRanges(nil))
	require.Equal(t, wire.AckRange{Smallest: 4, Largest: 6}, hist.GetHighestAckRange())

	hist.DeleteBelow(5)
	require.Equal(t, []wire.AckRange{{Smallest: 5, Largest: 6}}, hist.AppendAckRanges(nil))
	require.True(t, hist.IsPotentiallyDuplicate(1))
	require.False(t, hist.ReceivedPacket(2)) // below the deletion threshold
}

func TestReceivedPacketHistoryRangeLimit(t *testing.T) {
	hist := newReceivedPacketHistory()
	// every second packet number, so every packet opens a new range
	for i := 0; i <= protocol.MaxAckRanges; i++ {
		require.True(t, hist.ReceivedPacket(protocol.PacketNumber(2*i)))
	}
	ranges := hist.AppendAckRanges(nil)
	require.Len(t, ranges, protocol.MaxAckRanges)
	require.Equal(t, protocol.PacketNumber(2), ranges[len(ranges)-1].Smallest)
	// the lowest range was dropped, so packet 0 might be a duplicate
	require.True(t, hist.IsPotentiallyDuplicate(0))
}
