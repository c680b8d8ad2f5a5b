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

func TestUnpackLongHeaderPacketRoundTrip(t *testing.T) {
	destConnID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	srcConnID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	sealer, _ := handshake.NewInitialAEAD(destConnID, protocol.PerspectiveClient, protocol.Version1)
	_, opener := handshake.NewInitialAEAD(destConnID, protocol.PerspectiveServer, protocol.Version1)

	cf := &wire.CryptoFrame{Data: []byte("test data")}
	pl := payload{
		frames: []ackhandler.Frame{{Frame: cf}},
		length: cf.Length(protocol.Version1),
	}
	hdr := &wire.ExtendedHeader{PacketNumber: 0x42, PacketNumberLen: protocol.PacketNumberLen2}
	hdr.Type = protocol.PacketTypeInitial
	hdr.Version = protocol.Version1
	hdr.SrcConnectionID = srcConnID
	hdr.DestConnectionID = destConnID

	packer := &packetPacker{
		srcConnID:           srcConnID,
		getDestConnID:       func() protocol.ConnectionID { return destConnID },
		pnManager:           &testPNManager{pn: 0x42, pnLen: protocol.PacketNumberLen2},
		retransmissionQueue: newRetransmissionQueue(),
		perspective:         protocol.PerspectiveClient,
	}
	buf := getPacketBuffer()
	_, err := packer.appendLongHeaderPacket(buf, hdr, pl, 0, protocol.EncryptionInitial, sealer, protocol.Version1)
	require.NoError(t, err)

	parsedHdr, packetData, rest, err := wire.ParsePacket(buf.Data)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, protocol.PacketTypeInitial, parsedHdr.Type)
	require.Equal(t, destConnID, parsedHdr.DestConnectionID)
	require.Equal(t, srcConnID, parsedHdr.SrcConnectionID)

	u := &packetUnpacker{}
	extHdr, decrypted, err := u.unpackLongHeaderPacket(opener, parsedHdr, packetData, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketNumber(0x42), extHdr.PacketNumber)
	require.Equal(t, protocol.PacketNumberLen2, extHdr.PacketNumberLen)

	parser := wire.NewFrameParser()
	l, frame, err := parser.ParseNext(decrypted, protocol.EncryptionInitial, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, cf, frame)
	_, frame, err = parser.ParseNext(decrypted[l:], protocol.EncryptionInitial, protocol.Version1)
	require.NoError(t, err)
	require.Nil(t, frame)
}

func TestUnpackShortHeaderPacketRoundTrip(t *testing.T) {
	connID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	sealer, _ := handshake.NewInitialAEAD(connID, protocol.PerspectiveClient, protocol.Version1)
	_, opener := handshake.NewInitialAEAD(connID, protocol.PerspectiveServer, protocol.Version1)

	md := &wire.MaxDataFrame{MaximumData: 0x42}
	sf := &wire.StreamFrame{
		StreamID:       5,
		Offset:         10,
		Data:           []byte("lorem ipsum"),
		DataLenPresent: true,
	}
	pl := payload{
		frames:       []ackhandler.Frame{{Frame: md}},
		streamFrames: []ackhandler.Frame{{Frame: sf}},
		length:       md.Length(protocol.Version1) + sf.Length(protocol.Version1),
	}

	packer := &packetPacker{
		srcConnID:           connID,
		getDestConnID:       func() protocol.ConnectionID { return connID },
		pnManager:           &testPNManager{pn: 0x1337, pnLen: protocol.PacketNumberLen2},
		retransmissionQueue: newRetransmissionQueue(),
		perspective:         protocol.PerspectiveClient,
	}
	buf := getPacketBuffer()
	p, err := packer.appendShortHeaderPacket(buf, connID, 0x1337, protocol.PacketNumberLen2, protocol.KeyPhaseZero, pl, 0, 1200, &testShortHeaderSealer{LongHeaderSealer: sealer}, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketNumber(0x1337), p.PacketNumber)

	u := &packetUnpacker{shortHdrConnIDLen: connID.Len()}
	pn, pnLen, kp, decrypted, err := u.unpackShortHeaderPacket(&testShortHeaderOpener{LongHeaderOpener: opener}, time.Now(), buf.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketNumber(0x1337), pn)
	require.Equal(t, protocol.PacketNumberLen2, pnLen)
	require.Equal(t, protocol.KeyPhaseZero, kp)

	parser := wire.NewFrameParser()
	l, frame, err := parser.ParseNext(decrypted, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, md, frame)
	_, frame, err = parser.ParseNext(decrypted[l:], protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	parsedStream, ok := frame.(*wire.StreamFrame)
	require.True(t, ok)
	require.Equal(t, sf.StreamID, parsedStream.StreamID)
	require.Equal(t, sf.Offset, parsedStream.Offset)
	require.Equal(t, sf.Data, parsedStream.Data)
	require.False(t, parsedStream.Fin)
}
