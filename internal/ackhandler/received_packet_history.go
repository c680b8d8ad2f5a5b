package ackhandler

import (
	"github.com/quic-dev/quix/internal/diet"
	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/wire"
)

// The receivedPacketHistory stores if a packet number has already been received.
// It generates ACK ranges which can be used to assemble an ACK frame.
// It limits the number of ranges it keeps track of to protect against a peer
// that intentionally leaves holes in the packet number sequence.
type receivedPacketHistory struct {
	packets diet.Set

	deletedBelow protocol.PacketNumber
}

func newReceivedPacketHistory() *receivedPacketHistory {
	return &receivedPacketHistory{}
}

// ReceivedPacket registers a packet with PacketNumber p and updates the ranges.
// It reports whether the packet is new, i.e. neither a duplicate nor delayed
// below the deletion threshold.
func (h *receivedPacketHistory) ReceivedPacket(p protocol.PacketNumber) bool /* is a new packet */ {
	// ignore delayed packets below the deletion threshold
	if p < h.deletedBelow {
		return false
	}
	if h.packets.Contains(uint64(p)) {
		return false
	}
	h.packets.Add(uint64(p))
	h.maybeDeleteOldRanges()
	return true
}

// Delete the lowest ranges, if we're tracking more than protocol.MaxAckRanges.
// The bound keeps the ACK frame size limited and prevents unbounded memory use.
func (h *receivedPacketHistory) maybeDeleteOldRanges() {
	for h.packets.NumIntervals() > protocol.MaxAckRanges {
		lowest := h.packets.Ascending()[0]
		h.deletedBelow = protocol.PacketNumber(lowest.End + 1)
		h.packets.DeleteBelow(lowest.End + 1)
	}
}

// DeleteBelow deletes all entries below (but not including) p.
func (h *receivedPacketHistory) DeleteBelow(p protocol.PacketNumber) {
	if p < h.deletedBelow {
		return
	}
	h.deletedBelow = p
	h.packets.DeleteBelow(uint64(p))
}

// AppendAckRanges appends to a slice of all AckRanges that can be used in an AckFrame
func (h *receivedPacketHistory) AppendAckRanges(ackRanges []wire.AckRange) []wire.AckRange {
	h.packets.Descending(func(in diet.Interval) bool {
		ackRanges = append(ackRanges, wire.AckRange{
			Smallest: protocol.PacketNumber(in.Start),
			Largest:  protocol.PacketNumber(in.End),
		})
		return true
	})
	return ackRanges
}

func (h *receivedPacketHistory) GetHighestAckRange() wire.AckRange {
	var ackRange wire.AckRange
	if !h.packets.Empty() {
		intervals := h.packets.Ascending()
		in := intervals[len(intervals)-1]
		ackRange.Smallest = protocol.PacketNumber(in.Start)
		ackRange.Largest = protocol.PacketNumber(in.End)
	}
	return ackRange
}

func (h *receivedPacketHistory) IsPotentiallyDuplicate(p protocol.PacketNumber) bool {
	if p < h.deletedBelow {
		return true
	}
	return h.packets.Contains(uint64(p))
}
