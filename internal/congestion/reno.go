package congestion

import (
	"time"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/utils"
)

const (
	initialMaxDatagramSize = protocol.ByteCount(protocol.InitialPacketSize)
	// The congestion window never grows beyond this many datagrams.
	maxCongestionWindowPackets = 10000
)

// renoSender implements the NewReno congestion control algorithm from RFC 9002.
type renoSender struct {
	rttStats *utils.RTTStats
	pacer    *pacer
	clock    Clock

	// Track the largest packet that has been sent.
	largestSentPacketNumber protocol.PacketNumber
	// Track the largest packet that has been acked.
	largestAckedPacketNumber protocol.PacketNumber
	// Track the largest packet number outstanding when a CWND cutback occurs.
	largestSentAtLastCutback protocol.PacketNumber
	// Whether the last loss event caused us to exit slowstart.
	// Used for stats collection of slowstartPacketsLost
	lastCutbackExitedSlowstart bool

	congestionWindow   protocol.ByteCount
	slowStartThreshold protocol.ByteCount
	// accumulated bytes, used for window growth in congestion avoidance
	numAckedBytes protocol.ByteCount

	maxDatagramSize protocol.ByteCount
}

var _ SendAlgorithmWithDebugInfos = &renoSender{}

// NewRenoSender makes a new Reno sender
func NewRenoSender(clock Clock, rttStats *utils.RTTStats, initialMaxDatagramSize protocol.ByteCount) *renoSender {
	c := &renoSender{
		rttStats:                 rttStats,
		largestSentPacketNumber:  protocol.InvalidPacketNumber,
		largestAckedPacketNumber: protocol.InvalidPacketNumber,
		largestSentAtLastCutback: protocol.InvalidPacketNumber,
		congestionWindow:         initialCongestionWindow(initialMaxDatagramSize),
		slowStartThreshold:       protocol.MaxByteCount,
		maxDatagramSize:          initialMaxDatagramSize,
		clock:                    clock,
	}
	c.pacer = newPacer(c.BandwidthEstimate)
	return c
}

func initialCongestionWindow(maxDatagramSize protocol.ByteCount) protocol.ByteCount {
	return utils.Min(10*maxDatagramSize, utils.Max(2*maxDatagramSize, 14720))
}

func (c *renoSender) minCongestionWindow() protocol.ByteCount {
	return 2 * c.maxDatagramSize
}

func (c *renoSender) maxCongestionWindow() protocol.ByteCount {
	return maxCongestionWindowPackets * c.maxDatagramSize
}

// TimeUntilSend returns when the next packet should be sent.
func (c *renoSender) TimeUntilSend(_ protocol.ByteCount) time.Time {
	return c.pacer.TimeUntilSend()
}

func (c *renoSender) HasPacingBudget(now time.Time) bool {
	return c.pacer.Budget(now) >= c.maxDatagramSize
}

func (c *renoSender) CanSend(bytesInFlight protocol.ByteCount) bool {
	return bytesInFlight < c.GetCongestionWindow()
}

func (c *renoSender) InRecovery() bool {
	return c.largestAckedPacketNumber != protocol.InvalidPacketNumber &&
		c.largestAckedPacketNumber <= c.largestSentAtLastCutback
}

func (c *renoSender) InSlowStart() bool {
	return c.GetCongestionWindow() < c.slowStartThreshold
}

func (c *renoSender) GetCongestionWindow() protocol.ByteCount {
	return c.congestionWindow
}

func (c *renoSender) MaybeExitSlowStart() {}

func (c *renoSender) OnPacketSent(
	sentTime time.Time,
	_ protocol.ByteCount,
	packetNumber protocol.PacketNumber,
	bytes protocol.ByteCount,
	isRetransmittable bool,
) {
	c.pacer.SentPacket(sentTime, bytes)
	if !isRetransmittable {
		return
	}
	c.largestSentPacketNumber = packetNumber
}

func (c *renoSender) OnPacketAcked(
	ackedPacketNumber protocol.PacketNumber,
	ackedBytes protocol.ByteCount,
	priorInFlight protocol.ByteCount,
	eventTime time.Time,
) {
	c.largestAckedPacketNumber = utils.Max(ackedPacketNumber, c.largestAckedPacketNumber)
	if c.InRecovery() {
		return
	}
	c.maybeIncreaseCwnd(ackedBytes)
}

// maybeIncreaseCwnd grows the congestion window:
// in slow start by the number of acked bytes, in congestion avoidance
// by one datagram per congestion window's worth of acked bytes.
func (c *renoSender) maybeIncreaseCwnd(ackedBytes protocol.ByteCount) {
	if c.congestionWindow >= c.maxCongestionWindow() {
		return
	}
	if c.InSlowStart() {
		c.congestionWindow = utils.Min(c.congestionWindow+ackedBytes, c.maxCongestionWindow())
		return
	}
	c.numAckedBytes += ackedBytes
	if c.numAckedBytes >= c.congestionWindow {
		c.numAckedBytes -= c.congestionWindow
		c.congestionWindow = utils.Min(c.congestionWindow+c.maxDatagramSize, c.maxCongestionWindow())
	}
}

// OnCongestionEvent is called on packet loss or an increase of the ECN-CE counter.
func (c *renoSender) OnCongestionEvent(packetNumber protocol.PacketNumber, lostBytes, priorInFlight protocol.ByteCount) {
	// A congestion event for a packet sent before the last cutback doesn't start a new recovery period.
	if packetNumber <= c.largestSentAtLastCutback {
		return
	}
	c.lastCutbackExitedSlowstart = c.InSlowStart()
	c.congestionWindow = utils.Max(c.congestionWindow/2, c.minCongestionWindow())
	c.slowStartThreshold = c.congestionWindow
	c.numAckedBytes = 0
	c.largestSentAtLastCutback = c.largestSentPacketNumber
}

// OnRetransmissionTimeout collapses the congestion window after persistent congestion.
func (c *renoSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	c.largestSentAtLastCutback = protocol.InvalidPacketNumber
	if !packetsRetransmitted {
		return
	}
	c.slowStartThreshold = c.congestionWindow / 2
	c.congestionWindow = c.minCongestionWindow()
}

// BandwidthEstimate returns the current bandwidth estimate
func (c *renoSender) BandwidthEstimate() Bandwidth {
	srtt := c.rttStats.SmoothedRTT()
	if srtt == 0 {
		// If we haven't measured an rtt, the bandwidth estimate is unknown.
		return infBandwidth
	}
	return BandwidthFromDelta(c.GetCongestionWindow(), srtt)
}

func (c *renoSender) SetMaxDatagramSize(s protocol.ByteCount) {
	if s < c.maxDatagramSize {
		panic("congestion: cannot decrease max datagram size")
	}
	cwndIsMinCwnd := c.congestionWindow == c.minCongestionWindow()
	c.maxDatagramSize = s
	if cwndIsMinCwnd {
		c.congestionWindow = c.minCongestionWindow()
	}
	c.pacer.SetMaxDatagramSize(s)
}
