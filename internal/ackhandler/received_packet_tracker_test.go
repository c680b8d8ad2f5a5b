package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/utils"
	"github.com/quic-dev/quix/internal/wire"
)

func TestReceivedPacketTrackerImmediateAck(t *testing.T) {
	tr := newReceivedPacketTracker()
	require.NoError(t, tr.ReceivedPacket(3, protocol.ECNNonECT, true))
	ack := tr.GetAckFrame()
	require.NotNil(t, ack)
	require.Equal(t, []wire.AckRange{{Smallest: 3, Largest: 3}}, ack.AckRanges)
	// nothing new to acknowledge
	require.Nil(t, tr.GetAckFrame())
	// packets that are not ack-eliciting don't trigger an ACK
	require.NoError(t, tr.ReceivedPacket(4, protocol.ECNNonECT, false))
	require.Nil(t, tr.GetAckFrame())
	// duplicate delivery is a caller bug
	require.Error(t, tr.ReceivedPacket(3, protocol.ECNNonECT, true))
	require.True(t, tr.IsPotentiallyDuplicate(3))
}

func TestAppDataTrackerAckDecimation(t *testing.T) {
	tr := newAppDataReceivedPacketTracker(utils.DefaultLogger)
	now := time.Now()
	// the first packet is acknowledged immediately
	require.NoError(t, tr.ReceivedPacket(0, protocol.ECNNonECT, now, true))
	require.NotNil(t, tr.GetAckFrame(true))
	// a single ack-eliciting packet only arms the ACK timer
	require.NoError(t, tr.ReceivedPacket(1, protocol.ECNNonECT, now, true))
	require.Nil(t, tr.GetAckFrame(true))
	require.Equal(t, now.Add(protocol.DefaultMaxAckDelay), tr.GetAlarmTimeout())
	// the second ack-eliciting packet triggers an immediate ACK
	require.NoError(t, tr.ReceivedPacket(2, protocol.ECNNonECT, now, true))
	ack := tr.GetAckFrame(true)
	require.NotNil(t, ack)
	require.Equal(t, protocol.PacketNumber(2), ack.LargestAcked())
	require.True(t, tr.GetAlarmTimeout().IsZero())
}

func TestAppDataTrackerReordering(t *testing.T) {
	tr := newAppDataReceivedPacketTracker(utils.DefaultLogger)
	now := time.Now()
	require.NoError(t, tr.ReceivedPacket(0, protocol.ECNNonECT, now, true))
	require.NoError(t, tr.ReceivedPacket(1, protocol.ECNNonECT, now, true))
	require.NoError(t, tr.ReceivedPacket(2, protocol.ECNNonECT, now, true))
	require.NotNil(t, tr.GetAckFrame(true))

	// a packet that opens a new gap is acknowledged immediately
	require.NoError(t, tr.ReceivedPacket(5, protocol.ECNNonECT, now, true))
	ack := tr.GetAckFrame(true)
	require.NotNil(t, ack)
	require.Equal(t, []wire.AckRange{
		{Smallest: 5, Largest: 5},
		{Smallest: 0, Largest: 2},
	}, ack.AckRanges)

	// a packet that was reported missing is acknowledged immediately
	require.NoError(t, tr.ReceivedPacket(3, protocol.ECNNonECT, now, true))
	require.NotNil(t, tr.GetAckFrame(true))
}

func TestAppDataTrackerECNCounts(t *testing.T) {
	tr := newAppDataReceivedPacketTracker(utils.DefaultLogger)
	now := time.Now()
	require.NoError(t, tr.ReceivedPacket(0, protocol.ECT0, now, true))
	require.NotNil(t, tr.GetAckFrame(true))
	require.NoError(t, tr.ReceivedPacket(1, protocol.ECT0, now, true))
	// a CE marked packet is acknowledged immediately
	require.NoError(t, tr.ReceivedPacket(2, protocol.ECNCE, now, true))
	ack := tr.GetAckFrame(true)
	require.NotNil(t, ack)
	require.Equal(t, uint64(2), ack.ECT0)
	require.Zero(t, ack.ECT1)
	require.Equal(t, uint64(1), ack.ECNCE)
}

func TestAppDataTrackerIgnoreBelow(t *testing.T) {
	tr := newAppDataReceivedPacketTracker(utils.DefaultLogger)
	now := time.Now()
	for pn := protocol.PacketNumber(0); pn < 5; pn++ {
		require.NoError(t, tr.ReceivedPacket(pn, protocol.ECNNonECT, now, true))
	}
	tr.IgnoreBelow(4)
	ack := tr.GetAckFrame(false)
	require.NotNil(t, ack)
	require.Equal(t, []wire.AckRange{{Smallest: 4, Largest: 4}}, ack.AckRanges)
}
