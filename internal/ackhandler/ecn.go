package ackhandler

import (
	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/utils"
)

// Tests ECN capability of the path by marking the first packets with ECT(0).
// If the peer reflects the markings in its ACKs, the path is ECN capable.
const numPacketsToTestECN = 10

type ecnState uint8

const (
	ecnStateInitial ecnState = iota
	ecnStateTesting
	ecnStateUnknown
	ecnStateCapable
	ecnStateFailed
)

func (s ecnState) String() string {
	switch s {
	case ecnStateInitial:
		return "initial"
	case ecnStateTesting:
		return "testing"
	case ecnStateUnknown:
		return "unknown"
	case ecnStateCapable:
		return "capable"
	case ecnStateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

type ecnTracker struct {
	state ecnState

	numSentTesting, numLostTesting uint64

	firstTestingPacket, lastTestingPacket protocol.PacketNumber

	lastReportedECT0, lastReportedECT1, lastReportedCE uint64

	logger utils.Logger
}

func newECNTracker(logger utils.Logger) *ecnTracker {
	return &ecnTracker{
		state:              ecnStateInitial,
		firstTestingPacket: protocol.InvalidPacketNumber,
		lastTestingPacket:  protocol.InvalidPacketNumber,
		logger:             logger,
	}
}

// Mode returns the ECN codepoint to use on the next sent packet.
func (e *ecnTracker) Mode() protocol.ECN {
	switch e.state {
	case ecnStateInitial:
		e.state = ecnStateTesting
		return e.Mode()
	case ecnStateTesting, ecnStateCapable:
		return protocol.ECT0
	case ecnStateUnknown, ecnStateFailed:
		return protocol.ECNNonECT
	default:
		panic("unknown ECN state")
	}
}

func (e *ecnTracker) SentPacket(pn protocol.PacketNumber, ecn protocol.ECN) {
	if e.state != ecnStateTesting || ecn != protocol.ECT0 {
		return
	}
	if e.firstTestingPacket == protocol.InvalidPacketNumber {
		e.firstTestingPacket = pn
	}
	e.lastTestingPacket = pn
	e.numSentTesting++
	if e.numSentTesting >= numPacketsToTestECN {
		e.state = ecnStateUnknown
	}
}

func (e *ecnTracker) LostPacket(pn protocol.PacketNumber) {
	if e.state != ecnStateTesting && e.state != ecnStateUnknown {
		return
	}
	if !e.isTestingPacket(pn) {
		return
	}
	e.numLostTesting++
	if e.numLostTesting >= e.numSentTesting && e.numSentTesting >= numPacketsToTestECN {
		e.fail("all ECN testing packets declared lost")
	}
}

// Fail disables ECN marking, e.g. after repeated PTO escalation.
func (e *ecnTracker) Fail(reason string) {
	e.fail(reason)
}

func (e *ecnTracker) fail(reason string) {
	if e.state == ecnStateFailed {
		return
	}
	e.logger.Debugf("Disabling ECN: %s", reason)
	e.state = ecnStateFailed
}

func (e *ecnTracker) isTestingPacket(pn protocol.PacketNumber) bool {
	return e.firstTestingPacket != protocol.InvalidPacketNumber &&
		pn >= e.firstTestingPacket && pn <= e.lastTestingPacket
}

// HandleNewlyAcked validates the ECN counts reported in an ACK frame.
// It reports whether the increase of the CE counter constitutes a congestion event.
func (e *ecnTracker) HandleNewlyAcked(largestAcked protocol.PacketNumber, ect0, ect1, ce uint64) (congested bool) {
	if e.state == ecnStateFailed {
		return false
	}
	// We never mark packets with ECT(1).
	if ect1 > 0 {
		e.fail("peer reported ECT(1) counts")
		return false
	}
	// Any counter regression means the ACK is reporting nonsense.
	if ect0 < e.lastReportedECT0 || ce < e.lastReportedCE {
		e.fail("ECN counts decreased")
		return false
	}
	// If testing packets were acknowledged, but no markings are reflected,
	// the path (or the peer) is bleaching the ECN bits.
	if e.isTestingPacket(largestAcked) || (e.lastTestingPacket != protocol.InvalidPacketNumber && largestAcked > e.lastTestingPacket) {
		if ect0 == 0 && ce == 0 {
			e.fail("peer didn't report any ECN counts for ECN testing packets")
			return false
		}
		if e.state == ecnStateTesting || e.state == ecnStateUnknown {
			e.logger.Debugf("ECN capability confirmed.")
			e.state = ecnStateCapable
		}
	}
	congested = ce > e.lastReportedCE
	e.lastReportedECT0 = ect0
	e.lastReportedECT1 = ect1
	e.lastReportedCE = ce
	return congested
}
