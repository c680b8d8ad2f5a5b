package quic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/wire"
)

func TestRetransmissionQueueCryptoData(t *testing.T) {
	q := newRetransmissionQueue()
	require.False(t, q.HasInitialData())
	f := &wire.CryptoFrame{Data: []byte("foobar")}
	q.AddInitial(f, 3)
	require.True(t, q.HasInitialData())
	frame, lostPacket := q.GetInitialFrame(f.Length(protocol.Version1), protocol.Version1)
	require.Equal(t, f, frame)
	require.Equal(t, protocol.PacketNumber(3), lostPacket)
	require.False(t, q.HasInitialData())
}

func TestRetransmissionQueueSplitsCryptoFrames(t *testing.T) {
	q := newRetransmissionQueue()
	f := &wire.CryptoFrame{Offset: 100, Data: []byte("foobar")}
	q.AddHandshake(f, 10)
	f1, lostPacket := q.GetHandshakeFrame(f.Length(protocol.Version1)-3, protocol.Version1)
	require.NotNil(t, f1)
	require.Equal(t, protocol.PacketNumber(10), lostPacket)
	cf1 := f1.(*wire.CryptoFrame)
	require.Equal(t, protocol.ByteCount(100), cf1.Offset)
	require.True(t, len(cf1.Data) < 6)
	// the rest remains queued, and keeps the link to the lost packet
	require.True(t, q.HasHandshakeData())
	f2, lostPacket := q.GetHandshakeFrame(protocol.MaxByteCount, protocol.Version1)
	require.Equal(t, protocol.PacketNumber(10), lostPacket)
	cf2 := f2.(*wire.CryptoFrame)
	require.Equal(t, append(cf1.Data, cf2.Data...), []byte("foobar"))
	require.False(t, q.HasHandshakeData())
}

func TestRetransmissionQueueControlFrames(t *testing.T) {
	q := newRetransmissionQueue()
	f := &wire.MaxDataFrame{MaximumData: 0x42}
	q.AddAppData(f, 7)
	require.True(t, q.HasAppData())
	// doesn't return the frame if it doesn't fit
	frame, lostPacket := q.GetAppDataFrame(1, protocol.Version1)
	require.Nil(t, frame)
	require.Equal(t, protocol.InvalidPacketNumber, lostPacket)
	frame, lostPacket = q.GetAppDataFrame(protocol.MaxByteCount, protocol.Version1)
	require.Equal(t, f, frame)
	require.Equal(t, protocol.PacketNumber(7), lostPacket)
	require.False(t, q.HasAppData())
}

func TestRetransmissionQueueProbePings(t *testing.T) {
	q := newRetransmissionQueue()
	q.AddPing(protocol.Encryption1RTT)
	require.True(t, q.HasAppData())
	// a PING sent in a probe packet doesn't replace any packet
	frame, lostPacket := q.GetAppDataFrame(protocol.MaxByteCount, protocol.Version1)
	require.Equal(t, &wire.PingFrame{}, frame)
	require.Equal(t, protocol.InvalidPacketNumber, lostPacket)
}

func TestRetransmissionQueueDropEncryptionLevel(t *testing.T) {
	q := newRetransmissionQueue()
	q.AddInitial(&wire.PingFrame{}, 1)
	q.AddInitial(&wire.CryptoFrame{Data: []byte("foo")}, 2)
	q.AddHandshake(&wire.CryptoFrame{Data: []byte("bar")}, 3)
	q.DropPackets(protocol.EncryptionInitial)
	require.False(t, q.HasInitialData())
	require.True(t, q.HasHandshakeData())
	q.DropPackets(protocol.EncryptionHandshake)
	require.False(t, q.HasHandshakeData())
}

func TestRetransmissionQueueRejectsStreamFrames(t *testing.T) {
	q := newRetransmissionQueue()
	require.Panics(t, func() { q.AddAppData(&wire.StreamFrame{}, 1) })
}
