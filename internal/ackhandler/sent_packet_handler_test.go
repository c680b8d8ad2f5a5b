package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/utils"
	"github.com/quic-dev/quix/internal/wire"
)

func newTestSentPacketHandler(pers protocol.Perspective) (*sentPacketHandler, *utils.RTTStats) {
	rttStats := &utils.RTTStats{}
	sph := newSentPacketHandler(0, protocol.InitialPacketSize, rttStats, false, false, pers, utils.DefaultLogger)
	return sph, rttStats
}

func confirmHandshake(h *sentPacketHandler) {
	h.DropPackets(protocol.EncryptionInitial)
	h.DropPackets(protocol.EncryptionHandshake)
	h.SetHandshakeConfirmed()
}

func ackElicitingPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, size protocol.ByteCount, sendTime time.Time, onAcked, onLost func()) *Packet {
	p := GetPacket()
	p.PacketNumber = pn
	p.EncryptionLevel = encLevel
	p.Length = size
	p.SendTime = sendTime
	p.Frames = []Frame{{
		Frame: &wire.PingFrame{},
		OnAcked: func(wire.Frame) {
			if onAcked != nil {
				onAcked()
			}
		},
		OnLost: func(wire.Frame) {
			if onLost != nil {
				onLost()
			}
		},
	}}
	return p
}

func TestSentPacketHandlerAckProcessing(t *testing.T) {
	sph, _ := newTestSentPacketHandler(protocol.PerspectiveClient)
	confirmHandshake(sph)
	now := time.Now().Add(-time.Minute)

	var acked, lost []protocol.PacketNumber
	for pn := protocol.PacketNumber(0); pn < 5; pn++ {
		pn := pn
		sph.SentPacket(ackElicitingPacket(pn, protocol.Encryption1RTT, 1200, now,
			func() { acked = append(acked, pn) },
			func() { lost = append(lost, pn) },
		))
	}
	require.Equal(t, protocol.ByteCount(6000), sph.bytesInFlight)

	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 2}}}
	acked1RTT, err := sph.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.True(t, acked1RTT)
	require.Equal(t, []protocol.PacketNumber{0, 1, 2}, acked)
	require.Empty(t, lost)
	require.Equal(t, protocol.ByteCount(2400), sph.bytesInFlight)

	// receiving the same ACK again is a no-op
	acked1RTT, err = sph.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(20*time.Millisecond))
	require.NoError(t, err)
	require.False(t, acked1RTT)
	require.Len(t, acked, 3)
}

func TestSentPacketHandlerRTTMeasurement(t *testing.T) {
	sph, rttStats := newTestSentPacketHandler(protocol.PerspectiveClient)
	confirmHandshake(sph)
	now := time.Now().Add(-time.Minute)

	sph.SentPacket(ackElicitingPacket(0, protocol.Encryption1RTT, 1200, now, nil, nil))
	_, err := sph.ReceivedAck(
		&wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 0}}, DelayTime: 10 * time.Millisecond},
		protocol.Encryption1RTT,
		now.Add(100*time.Millisecond),
	)
	require.NoError(t, err)
	// the peer's ack delay is capped at max_ack_delay (not yet received, so 0)
	require.Equal(t, 100*time.Millisecond, rttStats.LatestRTT())

	rttStats.SetMaxAckDelay(25 * time.Millisecond)
	sph.SentPacket(ackElicitingPacket(1, protocol.Encryption1RTT, 1200, now.Add(100*time.Millisecond), nil, nil))
	_, err = sph.ReceivedAck(
		&wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 1}}, DelayTime: 10 * time.Millisecond},
		protocol.Encryption1RTT,
		now.Add(250*time.Millisecond),
	)
	require.NoError(t, err)
	// now the ack delay is subtracted from the measurement
	require.Equal(t, 140*time.Millisecond, rttStats.LatestRTT())
}

func TestSentPacketHandlerPacketBasedLossDetection(t *testing.T) {
	sph, _ := newTestSentPacketHandler(protocol.PerspectiveClient)
	confirmHandshake(sph)
	now := time.Now().Add(-time.Hour)

	var acked, lost []protocol.PacketNumber
	for pn := protocol.PacketNumber(0); pn < 6; pn++ {
		pn := pn
		sph.SentPacket(ackElicitingPacket(pn, protocol.Encryption1RTT, 1000, now,
			func() { acked = append(acked, pn) },
			func() { lost = append(lost, pn) },
		))
	}

	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 4, Largest: 5}}}
	_, err := sph.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, []protocol.PacketNumber{4, 5}, acked)
	// packets 0, 1 and 2 are more than 3 packets below the largest acked
	require.Equal(t, []protocol.PacketNumber{0, 1, 2}, lost)
	// packet 3 is not yet lost, a loss timer is armed instead
	require.Equal(t, protocol.ByteCount(1000), sph.bytesInFlight)
	lossDelay := time.Duration(timeThreshold * float64(100*time.Millisecond))
	require.Equal(t, now.Add(lossDelay), sph.GetLossDetectionTimeout())

	// when the timer expires, packet 3 is declared lost as well
	require.NoError(t, sph.OnLossDetectionTimeout())
	require.Equal(t, []protocol.PacketNumber{0, 1, 2, 3}, lost)
	require.Zero(t, sph.bytesInFlight)
	require.True(t, sph.GetLossDetectionTimeout().IsZero())
}

func TestSentPacketHandlerAckForSkippedPacket(t *testing.T) {
	sph, _ := newTestSentPacketHandler(protocol.PerspectiveClient)
	confirmHandshake(sph)
	now := time.Now().Add(-time.Minute)

	sph.SentPacket(ackElicitingPacket(0, protocol.Encryption1RTT, 1200, now, nil, nil))
	sph.appDataPackets.history.SkippedPacket(1)
	sph.appDataPackets.largestSent = 1
	sph.SentPacket(ackElicitingPacket(2, protocol.Encryption1RTT, 1200, now, nil, nil))

	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 2}}}
	_, err := sph.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(time.Millisecond))
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.ProtocolViolation, transportErr.ErrorCode)
	require.Contains(t, transportErr.ErrorMessage, "skipped packet number")
}

func TestSentPacketHandlerAckForUnsentPacket(t *testing.T) {
	sph, _ := newTestSentPacketHandler(protocol.PerspectiveClient)
	confirmHandshake(sph)
	now := time.Now().Add(-time.Minute)

	sph.SentPacket(ackElicitingPacket(0, protocol.Encryption1RTT, 1200, now, nil, nil))
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 5}}}
	_, err := sph.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(time.Millisecond))
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.ProtocolViolation, transportErr.ErrorCode)
	require.Contains(t, transportErr.ErrorMessage, "unsent packet")
}

func TestSentPacketHandlerPTO(t *testing.T) {
	sph, rttStats := newTestSentPacketHandler(protocol.PerspectiveClient)
	rttStats.UpdateRTT(100*time.Millisecond, 0)
	// srtt: 100ms, mean deviation: 50ms
	pto := 300 * time.Millisecond
	now := time.Now().Add(-time.Hour)

	// the client drops Initial keys when sending the first Handshake packet
	sph.DropPackets(protocol.EncryptionInitial)
	var lost int
	sph.SentPacket(ackElicitingPacket(0, protocol.EncryptionHandshake, 1200, now, nil, func() { lost++ }))
	require.Equal(t, now.Add(pto), sph.GetLossDetectionTimeout())

	require.NoError(t, sph.OnLossDetectionTimeout())
	require.Equal(t, uint32(1), sph.ptoCount)
	require.Equal(t, SendPTOHandshake, sph.SendMode(time.Now()))

	// the probe retransmits the frames of the oldest outstanding packet
	require.True(t, sph.QueueProbePacket(protocol.EncryptionHandshake))
	require.Equal(t, 1, lost)

	// the timeout backs off exponentially
	sph.SentPacket(ackElicitingPacket(1, protocol.EncryptionHandshake, 1200, now.Add(pto), nil, nil))
	require.Equal(t, now.Add(pto+2*pto), sph.GetLossDetectionTimeout())
}

func TestSentPacketHandlerAmplificationLimit(t *testing.T) {
	sph, _ := newTestSentPacketHandler(protocol.PerspectiveServer)
	now := time.Now()

	// nothing received yet, nothing may be sent
	require.Equal(t, SendNone, sph.SendMode(now))
	sph.ReceivedBytes(1000)
	require.Equal(t, SendAny, sph.SendMode(now))

	for pn := protocol.PacketNumber(0); pn < 2; pn++ {
		sph.SentPacket(ackElicitingPacket(pn, protocol.EncryptionInitial, 1200, now, nil, nil))
	}
	require.Equal(t, SendAny, sph.SendMode(now))
	// the third packet exhausts the 3x amplification window
	sph.SentPacket(ackElicitingPacket(2, protocol.EncryptionInitial, 1200, now, nil, nil))
	require.Equal(t, SendNone, sph.SendMode(now))

	// receiving a Handshake packet validates the client's address
	sph.ReceivedPacket(protocol.EncryptionHandshake)
	require.Equal(t, SendAny, sph.SendMode(now))
}

func TestSentPacketHandlerResetForRetry(t *testing.T) {
	sph, rttStats := newTestSentPacketHandler(protocol.PerspectiveClient)
	now := time.Now().Add(-time.Minute)

	pn := sph.PopPacketNumber(protocol.EncryptionInitial)
	var lost int
	sph.SentPacket(ackElicitingPacket(pn, protocol.EncryptionInitial, 1200, now, nil, func() { lost++ }))

	require.NoError(t, sph.ResetForRetry(now.Add(100*time.Millisecond)))
	require.Equal(t, 1, lost)
	require.Zero(t, sph.bytesInFlight)
	// the Retry provides an RTT sample
	require.Equal(t, 100*time.Millisecond, rttStats.SmoothedRTT())
	// packet numbers are not reused
	nextPN, _ := sph.PeekPacketNumber(protocol.EncryptionInitial)
	require.Equal(t, pn+1, nextPN)
}

func TestSentPacketHandlerClientDropsInitialOnFirstHandshakePacket(t *testing.T) {
	sph, _ := newTestSentPacketHandler(protocol.PerspectiveClient)
	now := time.Now().Add(-time.Minute)

	sph.SentPacket(ackElicitingPacket(0, protocol.EncryptionInitial, 1200, now, nil, nil))
	require.Equal(t, protocol.ByteCount(1200), sph.bytesInFlight)

	sph.SentPacket(ackElicitingPacket(0, protocol.EncryptionHandshake, 1000, now, nil, nil))
	require.Nil(t, sph.initialPackets)
	require.Equal(t, protocol.ByteCount(1000), sph.bytesInFlight)
}
