package congestion

import (
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/utils"

	"github.com/stretchr/testify/require"
)

const mds = protocol.ByteCount(1200)

type mockClock time.Time

func (c *mockClock) Now() time.Time {
	return time.Time(*c)
}

func (c *mockClock) Advance(d time.Duration) {
	*c = mockClock(time.Time(*c).Add(d))
}

func newTestSender() (*renoSender, *mockClock, *utils.RTTStats) {
	clock := &mockClock{}
	rttStats := &utils.RTTStats{}
	sender := NewRenoSender(clock, rttStats, mds)
	return sender, clock, rttStats
}

func (c *renoSender) sendPackets(clock *mockClock, start protocol.PacketNumber, n int) protocol.PacketNumber {
	pn := start
	for i := 0; i < n; i++ {
		c.OnPacketSent(clock.Now(), 0, pn, mds, true)
		pn++
	}
	return pn
}

func TestRenoInitialWindow(t *testing.T) {
	sender, _, _ := newTestSender()
	require.Equal(t, utils.Min(10*mds, utils.Max(2*mds, 14720)), sender.GetCongestionWindow())
	require.True(t, sender.InSlowStart())
	require.False(t, sender.InRecovery())
}

func TestRenoSlowStartGrowsByAckedBytes(t *testing.T) {
	sender, clock, _ := newTestSender()
	initialCwnd := sender.GetCongestionWindow()
	sender.sendPackets(clock, 1, 2)
	sender.OnPacketAcked(1, mds, mds, clock.Now())
	sender.OnPacketAcked(2, mds, mds, clock.Now())
	require.Equal(t, initialCwnd+2*mds, sender.GetCongestionWindow())
	require.True(t, sender.InSlowStart())
}

func TestRenoCongestionEventHalvesWindow(t *testing.T) {
	sender, clock, _ := newTestSender()
	initialCwnd := sender.GetCongestionWindow()
	sender.sendPackets(clock, 1, 10)
	sender.OnCongestionEvent(5, mds, 10*mds)
	require.Equal(t, utils.Max(initialCwnd/2, 2*mds), sender.GetCongestionWindow())
	require.False(t, sender.InSlowStart())
	require.True(t, sender.InRecovery())

	// a second loss in the same recovery period doesn't reduce the window again
	cwnd := sender.GetCongestionWindow()
	sender.OnCongestionEvent(7, mds, 10*mds)
	require.Equal(t, cwnd, sender.GetCongestionWindow())
}

func TestRenoWindowNeverBelowMinimum(t *testing.T) {
	sender, clock, _ := newTestSender()
	var pn protocol.PacketNumber = 1
	for i := 0; i < 10; i++ {
		pn = sender.sendPackets(clock, pn, 1)
		sender.OnCongestionEvent(pn-1, mds, 2*mds)
	}
	require.Equal(t, 2*mds, sender.GetCongestionWindow())
}

func TestRenoCongestionAvoidanceGrowsByOneDatagramPerWindow(t *testing.T) {
	sender, clock, _ := newTestSender()
	sender.sendPackets(clock, 1, 1)
	sender.OnCongestionEvent(1, mds, mds)
	require.False(t, sender.InSlowStart())
	cwnd := sender.GetCongestionWindow()

	// leave recovery
	pn := sender.sendPackets(clock, 2, 1)
	sender.OnPacketAcked(pn-1, mds, mds, clock.Now())

	// one window's worth of ACKed bytes grows the window by one datagram
	numAcks := int(cwnd / mds)
	for i := 0; i < numAcks; i++ {
		pn = sender.sendPackets(clock, pn, 1)
		sender.OnPacketAcked(pn-1, mds, mds, clock.Now())
	}
	require.Equal(t, cwnd+mds, sender.GetCongestionWindow())
}

func TestRenoCanSend(t *testing.T) {
	sender, _, _ := newTestSender()
	cwnd := sender.GetCongestionWindow()
	require.True(t, sender.CanSend(cwnd-1))
	require.False(t, sender.CanSend(cwnd))
}

func TestRenoPacing(t *testing.T) {
	sender, clock, rttStats := newTestSender()
	rttStats.UpdateRTT(50*time.Millisecond, 0)

	// burst budget allows sending immediately at first
	require.True(t, sender.HasPacingBudget(clock.Now()))
	budget := sender.pacer.Budget(clock.Now())
	var pn protocol.PacketNumber = 1
	for sent := protocol.ByteCount(0); sent+mds <= budget; sent += mds {
		pn = sender.sendPackets(clock, pn, 1)
	}
	require.False(t, sender.HasPacingBudget(clock.Now()))
	next := sender.TimeUntilSend(0)
	require.False(t, next.IsZero())
	clock.Advance(next.Sub(clock.Now()))
	require.True(t, sender.HasPacingBudget(clock.Now()))
}

func TestRenoRetransmissionTimeoutCollapsesWindow(t *testing.T) {
	sender, clock, _ := newTestSender()
	sender.sendPackets(clock, 1, 10)
	cwnd := sender.GetCongestionWindow()
	sender.OnRetransmissionTimeout(true)
	require.Equal(t, 2*mds, sender.GetCongestionWindow())
	require.Equal(t, cwnd/2, sender.slowStartThreshold)
}
