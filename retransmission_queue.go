package quic

import (
	"fmt"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/wire"
)

// A lostFrame is a frame queued for retransmission, together with the number
// of the packet it was originally sent in. The packet number links the
// retransmission back to the packet it replaces.
type lostFrame struct {
	frame        wire.Frame
	packetNumber protocol.PacketNumber
}

type lostCryptoFrame struct {
	frame        *wire.CryptoFrame
	packetNumber protocol.PacketNumber
}

// The retransmissionQueue holds frames that were lost and need to be retransmitted.
// CRYPTO frames are kept per encryption level, so they can be dropped
// along with the keys of that level.
type retransmissionQueue struct {
	initial           []lostFrame
	initialCryptoData []lostCryptoFrame

	handshake           []lostFrame
	handshakeCryptoData []lostCryptoFrame

	appData []lostFrame
}

func newRetransmissionQueue() *retransmissionQueue {
	return &retransmissionQueue{}
}

// AddPing queues a PING to be sent in a probe packet.
// The PING is not a retransmission, it doesn't replace any packet.
func (q *retransmissionQueue) AddPing(encLevel protocol.EncryptionLevel) {
	//nolint:exhaustive // Probe packets are never sent for 0-RTT.
	switch encLevel {
	case protocol.EncryptionInitial:
		q.AddInitial(&wire.PingFrame{}, protocol.InvalidPacketNumber)
	case protocol.EncryptionHandshake:
		q.AddHandshake(&wire.PingFrame{}, protocol.InvalidPacketNumber)
	case protocol.Encryption1RTT:
		q.AddAppData(&wire.PingFrame{}, protocol.InvalidPacketNumber)
	default:
		panic(fmt.Sprintf("unexpected encryption level: %s", encLevel))
	}
}

// AddInitial queues a frame for retransmission in an Initial packet.
// It is called by the loss callback of Initial packets, with the number of the lost packet.
func (q *retransmissionQueue) AddInitial(f wire.Frame, pn protocol.PacketNumber) {
	if cf, ok := f.(*wire.CryptoFrame); ok {
		q.initialCryptoData = append(q.initialCryptoData, lostCryptoFrame{frame: cf, packetNumber: pn})
		return
	}
	q.initial = append(q.initial, lostFrame{frame: f, packetNumber: pn})
}

func (q *retransmissionQueue) AddHandshake(f wire.Frame, pn protocol.PacketNumber) {
	if cf, ok := f.(*wire.CryptoFrame); ok {
		q.handshakeCryptoData = append(q.handshakeCryptoData, lostCryptoFrame{frame: cf, packetNumber: pn})
		return
	}
	q.handshake = append(q.handshake, lostFrame{frame: f, packetNumber: pn})
}

func (q *retransmissionQueue) AddAppData(f wire.Frame, pn protocol.PacketNumber) {
	if _, ok := f.(*wire.StreamFrame); ok {
		panic("STREAM frames are handled with their respective streams.")
	}
	q.appData = append(q.appData, lostFrame{frame: f, packetNumber: pn})
}

func (q *retransmissionQueue) HasInitialData() bool {
	return len(q.initialCryptoData) > 0 || len(q.initial) > 0
}

func (q *retransmissionQueue) HasHandshakeData() bool {
	return len(q.handshakeCryptoData) > 0 || len(q.handshake) > 0
}

func (q *retransmissionQueue) HasAppData() bool {
	return len(q.appData) > 0
}

func (q *retransmissionQueue) GetInitialFrame(maxLen protocol.ByteCount, v protocol.Version) (wire.Frame, protocol.PacketNumber) {
	if len(q.initialCryptoData) > 0 {
		f := q.initialCryptoData[0]
		newFrame, needsSplit := f.frame.MaybeSplitOffFrame(maxLen, v)
		if newFrame == nil && !needsSplit { // the whole frame fits
			q.initialCryptoData = q.initialCryptoData[1:]
			return f.frame, f.packetNumber
		}
		if newFrame != nil { // frame was split. Leave the original frame in the queue.
			return newFrame, f.packetNumber
		}
	}
	if len(q.initial) == 0 {
		return nil, protocol.InvalidPacketNumber
	}
	f := q.initial[0]
	if f.frame.Length(v) > maxLen {
		return nil, protocol.InvalidPacketNumber
	}
	q.initial = q.initial[1:]
	return f.frame, f.packetNumber
}

func (q *retransmissionQueue) GetHandshakeFrame(maxLen protocol.ByteCount, v protocol.Version) (wire.Frame, protocol.PacketNumber) {
	if len(q.handshakeCryptoData) > 0 {
		f := q.handshakeCryptoData[0]
		newFrame, needsSplit := f.frame.MaybeSplitOffFrame(maxLen, v)
		if newFrame == nil && !needsSplit { // the whole frame fits
			q.handshakeCryptoData = q.handshakeCryptoData[1:]
			return f.frame, f.packetNumber
		}
		if newFrame != nil { // frame was split. Leave the original frame in the queue.
			return newFrame, f.packetNumber
		}
	}
	if len(q.handshake) == 0 {
		return nil, protocol.InvalidPacketNumber
	}
	f := q.handshake[0]
	if f.frame.Length(v) > maxLen {
		return nil, protocol.InvalidPacketNumber
	}
	q.handshake = q.handshake[1:]
	return f.frame, f.packetNumber
}

func (q *retransmissionQueue) GetAppDataFrame(maxLen protocol.ByteCount, v protocol.Version) (wire.Frame, protocol.PacketNumber) {
	if len(q.appData) == 0 {
		return nil, protocol.InvalidPacketNumber
	}
	f := q.appData[0]
	if f.frame.Length(v) > maxLen {
		return nil, protocol.InvalidPacketNumber
	}
	q.appData = q.appData[1:]
	return f.frame, f.packetNumber
}

func (q *retransmissionQueue) DropPackets(encLevel protocol.EncryptionLevel) {
	//nolint:exhaustive // Can only drop Initial and Handshake packet number space.
	switch encLevel {
	case protocol.EncryptionInitial:
		q.initial = nil
		q.initialCryptoData = nil
	case protocol.EncryptionHandshake:
		q.handshake = nil
		q.handshakeCryptoData = nil
	default:
		panic(fmt.Sprintf("unexpected encryption level: %s", encLevel))
	}
}
