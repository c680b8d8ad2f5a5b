package ackhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
)

func TestSentPacketHistory(t *testing.T) {
	hist := newSentPacketHistory()
	for pn := protocol.PacketNumber(0); pn < 5; pn++ {
		hist.SentAckElicitingPacket(&Packet{PacketNumber: pn})
	}
	require.True(t, hist.HasOutstandingPackets())
	require.Equal(t, protocol.PacketNumber(0), hist.FirstOutstanding().PacketNumber)

	require.NoError(t, hist.Remove(0))
	require.NoError(t, hist.Remove(2))
	require.Equal(t, protocol.PacketNumber(1), hist.FirstOutstanding().PacketNumber)

	var pns []protocol.PacketNumber
	require.NoError(t, hist.Iterate(func(p *Packet) (bool, error) {
		pns = append(pns, p.PacketNumber)
		return true, nil
	}))
	require.Equal(t, []protocol.PacketNumber{1, 3, 4}, pns)

	require.Error(t, hist.Remove(10))
	require.Error(t, hist.Remove(2)) // already removed

	hist.DeclareLost(1)
	require.Equal(t, protocol.PacketNumber(3), hist.FirstOutstanding().PacketNumber)
	require.Equal(t, protocol.PacketNumber(3), hist.LowestPacketNumber())
}

func TestSentPacketHistorySkippedAndNonAckEliciting(t *testing.T) {
	hist := newSentPacketHistory()
	hist.SentAckElicitingPacket(&Packet{PacketNumber: 0})
	hist.SkippedPacket(1)
	hist.SentAckElicitingPacket(&Packet{PacketNumber: 2})
	hist.SentNonAckElicitingPacket(3)
	hist.SentAckElicitingPacket(&Packet{PacketNumber: 4})

	var pns []protocol.PacketNumber
	require.NoError(t, hist.Iterate(func(p *Packet) (bool, error) {
		pns = append(pns, p.PacketNumber)
		return true, nil
	}))
	require.Equal(t, []protocol.PacketNumber{0, 1, 2, 4}, pns)

	// skipped packets don't count as outstanding
	require.Equal(t, protocol.PacketNumber(0), hist.FirstOutstanding().PacketNumber)
	require.NoError(t, hist.Remove(0))
	require.NoError(t, hist.Remove(2))
	require.NoError(t, hist.Remove(4))
	require.False(t, hist.HasOutstandingPackets())
}

func TestSentPacketHistoryPanicsOnNonSequentialPacketNumbers(t *testing.T) {
	hist := newSentPacketHistory()
	hist.SentAckElicitingPacket(&Packet{PacketNumber: 0})
	require.Panics(t, func() {
		hist.SentAckElicitingPacket(&Packet{PacketNumber: 2})
	})
}
