package ackhandler

import (
	"sync"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
)

// A Packet is a packet tracked for acknowledgment and loss detection.
type Packet struct {
	SendTime        time.Time
	PacketNumber    protocol.PacketNumber
	StreamFrames    []Frame
	Frames          []Frame
	LargestAcked    protocol.PacketNumber // InvalidPacketNumber if the packet doesn't contain an ACK
	Length          protocol.ByteCount
	EncryptionLevel protocol.EncryptionLevel
	ECN             protocol.ECN

	// RetransmissionOf is the number of the lost packet whose frames this packet
	// retransmits, or InvalidPacketNumber if it doesn't carry any retransmitted frames.
	RetransmissionOf protocol.PacketNumber

	// IsPathProbePacket says if the packet only contains a PATH_CHALLENGE or PATH_RESPONSE.
	// Path probes are not counted towards bytes in flight and don't arm the PTO timer.
	IsPathProbePacket bool

	includedInBytesInFlight bool
	declaredLost            bool
	skippedPacket           bool
}

func (p *Packet) outstanding() bool {
	return !p.declaredLost && !p.skippedPacket && !p.IsPathProbePacket
}

var packetPool = sync.Pool{New: func() any { return &Packet{} }}

// GetPacket returns a Packet from the pool.
// The caller hands it to the SentPacketHandler, which returns it to the pool
// once the packet has been acknowledged or declared lost.
func GetPacket() *Packet {
	p := packetPool.Get().(*Packet)
	p.PacketNumber = 0
	p.StreamFrames = nil
	p.Frames = nil
	p.LargestAcked = protocol.InvalidPacketNumber
	p.Length = 0
	p.EncryptionLevel = protocol.EncryptionLevel(0)
	p.ECN = protocol.ECNUnsupported
	p.RetransmissionOf = protocol.InvalidPacketNumber
	p.SendTime = time.Time{}
	p.IsPathProbePacket = false
	p.includedInBytesInFlight = false
	p.declaredLost = false
	p.skippedPacket = false
	return p
}

// putPacket returns the packet to the pool.
// It must not be called until all frame callbacks have run.
func putPacket(p *Packet) {
	p.Frames = nil
	p.StreamFrames = nil
	packetPool.Put(p)
}
