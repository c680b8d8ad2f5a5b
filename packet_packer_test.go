package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/ackhandler"
	"github.com/quic-dev/quix/internal/handshake"
	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/wire"
)

type testPNManager struct {
	pn    protocol.PacketNumber
	pnLen protocol.PacketNumberLen
}

func (m *testPNManager) PeekPacketNumber(protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen) {
	return m.pn, m.pnLen
}
func (m *testPNManager) PopPacketNumber(protocol.EncryptionLevel) protocol.PacketNumber { return m.pn }

type nullFrameSource struct{}

func (nullFrameSource) HasData() bool { return false }
func (nullFrameSource) AppendStreamFrames(fs []ackhandler.Frame, _ protocol.ByteCount, _ protocol.Version) ([]ackhandler.Frame, protocol.ByteCount) {
	return fs, 0
}
func (nullFrameSource) AppendControlFrames(fs []ackhandler.Frame, _ protocol.ByteCount, _ protocol.Version) ([]ackhandler.Frame, protocol.ByteCount) {
	return fs, 0
}

type nullAckSource struct{}

func (nullAckSource) GetAckFrame(protocol.EncryptionLevel, bool) *wire.AckFrame { return nil }

// testShortHeaderSealer turns the Initial AEAD into a 1-RTT sealer.
type testShortHeaderSealer struct {
	handshake.LongHeaderSealer
}

func (s *testShortHeaderSealer) KeyPhase() protocol.KeyPhaseBit { return protocol.KeyPhaseZero }

// testShortHeaderOpener turns the Initial AEAD into a 1-RTT opener.
type testShortHeaderOpener struct {
	handshake.LongHeaderOpener
}

func (o *testShortHeaderOpener) Open(dst, src []byte, _ time.Time, pn protocol.PacketNumber, _ protocol.KeyPhaseBit, ad []byte) ([]byte, error) {
	return o.LongHeaderOpener.Open(dst, src, pn, ad)
}

func TestPackerLinksRetransmissionsToLostPackets(t *testing.T) {
	connID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	q := newRetransmissionQueue()
	// the MAX_DATA frame was carried by packet 3, which was declared lost
	q.AddAppData(&wire.MaxDataFrame{MaximumData: 0x1234}, 3)

	sealer, _ := handshake.NewInitialAEAD(connID, protocol.PerspectiveClient, protocol.Version1)
	packer := &packetPacker{
		srcConnID:           connID,
		getDestConnID:       func() protocol.ConnectionID { return connID },
		pnManager:           &testPNManager{pn: 5, pnLen: protocol.PacketNumberLen2},
		framer:              nullFrameSource{},
		acks:                nullAckSource{},
		retransmissionQueue: q,
		perspective:         protocol.PerspectiveClient,
	}

	pl := packer.composeNextPacket(1200, false, true, protocol.Version1)
	require.True(t, pl.isRetransmission)
	require.Equal(t, protocol.PacketNumber(3), pl.retransmissionOf)

	buf := getPacketBuffer()
	p, err := packer.appendShortHeaderPacket(buf, connID, 5, protocol.PacketNumberLen2, protocol.KeyPhaseZero, pl, 0, 1200, &testShortHeaderSealer{LongHeaderSealer: sealer}, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketNumber(5), p.PacketNumber)
	// the retransmission links back to the packet it replaces
	require.Equal(t, protocol.PacketNumber(3), p.RetransmissionOf)

	// when packet 5 is lost as well, the frame is requeued, now linked to packet 5
	require.Len(t, p.Frames, 1)
	p.Frames[0].OnLost(p.Frames[0].Frame)
	f, lostPacket := q.GetAppDataFrame(protocol.MaxByteCount, protocol.Version1)
	require.Equal(t, &wire.MaxDataFrame{MaximumData: 0x1234}, f)
	require.Equal(t, protocol.PacketNumber(5), lostPacket)
}

func TestPackerLinksLongHeaderRetransmissions(t *testing.T) {
	q := newRetransmissionQueue()
	hdr := &wire.ExtendedHeader{PacketNumber: 5, PacketNumberLen: protocol.PacketNumberLen2}
	hdr.Type = protocol.PacketTypeHandshake
	p := &longHeaderPacket{
		header:           hdr,
		frames:           []ackhandler.Frame{{Frame: &wire.CryptoFrame{Data: []byte("foo")}}},
		retransmissionOf: 3,
	}
	ap := p.ToAckHandlerPacket(time.Now(), q)
	require.Equal(t, protocol.PacketNumber(5), ap.PacketNumber)
	require.Equal(t, protocol.PacketNumber(3), ap.RetransmissionOf)

	// losing the packet requeues its frames, linked to its packet number
	ap.Frames[0].OnLost(ap.Frames[0].Frame)
	f, lostPacket := q.GetHandshakeFrame(protocol.MaxByteCount, protocol.Version1)
	require.Equal(t, &wire.CryptoFrame{Data: []byte("foo")}, f)
	require.Equal(t, protocol.PacketNumber(5), lostPacket)
}

func TestPackerPacketsWithoutRetransmissionsAreNotLinked(t *testing.T) {
	connID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	q := newRetransmissionQueue()
	sealer, _ := handshake.NewInitialAEAD(connID, protocol.PerspectiveClient, protocol.Version1)
	packer := &packetPacker{
		srcConnID:           connID,
		getDestConnID:       func() protocol.ConnectionID { return connID },
		pnManager:           &testPNManager{pn: 1, pnLen: protocol.PacketNumberLen2},
		framer:              nullFrameSource{},
		acks:                nullAckSource{},
		retransmissionQueue: q,
		perspective:         protocol.PerspectiveClient,
	}
	ping := &wire.PingFrame{}
	pl := payload{
		frames: []ackhandler.Frame{{Frame: ping}},
		length: ping.Length(protocol.Version1),
	}
	buf := getPacketBuffer()
	p, err := packer.appendShortHeaderPacket(buf, connID, 1, protocol.PacketNumberLen2, protocol.KeyPhaseZero, pl, 0, 1200, &testShortHeaderSealer{LongHeaderSealer: sealer}, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.InvalidPacketNumber, p.RetransmissionOf)
}
