package ackhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/utils"
)

func sendECNTestingPackets(t *testing.T, e *ecnTracker) {
	t.Helper()
	for pn := protocol.PacketNumber(0); pn < numPacketsToTestECN; pn++ {
		require.Equal(t, protocol.ECT0, e.Mode())
		e.SentPacket(pn, protocol.ECT0)
	}
	require.Equal(t, ecnStateUnknown, e.state)
}

func TestECNTrackerCapabilityConfirmed(t *testing.T) {
	e := newECNTracker(utils.DefaultLogger)
	sendECNTestingPackets(t, e)
	// once all testing packets are sent, packets are no longer marked
	require.Equal(t, protocol.ECNNonECT, e.Mode())
	// the peer reflects the markings in its ACK
	congested := e.HandleNewlyAcked(9, 9, 0, 0)
	require.False(t, congested)
	require.Equal(t, ecnStateCapable, e.state)
	require.Equal(t, protocol.ECT0, e.Mode())
}

func TestECNTrackerBleaching(t *testing.T) {
	e := newECNTracker(utils.DefaultLogger)
	sendECNTestingPackets(t, e)
	// testing packets were acknowledged, but no ECN counts reported
	e.HandleNewlyAcked(9, 0, 0, 0)
	require.Equal(t, ecnStateFailed, e.state)
	require.Equal(t, protocol.ECNNonECT, e.Mode())
}

func TestECNTrackerECT1Reported(t *testing.T) {
	e := newECNTracker(utils.DefaultLogger)
	sendECNTestingPackets(t, e)
	e.HandleNewlyAcked(9, 0, 1, 0)
	require.Equal(t, ecnStateFailed, e.state)
}

func TestECNTrackerCounterRegression(t *testing.T) {
	e := newECNTracker(utils.DefaultLogger)
	sendECNTestingPackets(t, e)
	require.False(t, e.HandleNewlyAcked(5, 6, 0, 0))
	require.Equal(t, ecnStateCapable, e.state)
	e.HandleNewlyAcked(9, 4, 0, 0)
	require.Equal(t, ecnStateFailed, e.state)
}

func TestECNTrackerCongestionEvent(t *testing.T) {
	e := newECNTracker(utils.DefaultLogger)
	sendECNTestingPackets(t, e)
	require.False(t, e.HandleNewlyAcked(9, 10, 0, 0))
	require.Equal(t, ecnStateCapable, e.state)
	// an increase of the CE counter is a congestion event
	require.True(t, e.HandleNewlyAcked(11, 10, 0, 1))
	// the same CE count reported again is not
	require.False(t, e.HandleNewlyAcked(12, 11, 0, 1))
}

func TestECNTrackerAllTestingPacketsLost(t *testing.T) {
	e := newECNTracker(utils.DefaultLogger)
	sendECNTestingPackets(t, e)
	for pn := protocol.PacketNumber(0); pn < numPacketsToTestECN; pn++ {
		e.LostPacket(pn)
	}
	require.Equal(t, ecnStateFailed, e.state)
}
