package wire

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestParseConnectionIDLongHeader(t *testing.T) {
	b := []byte{
		0xc0,               // long header, Initial
		0x1, 0x2, 0x3, 0x4, // version
		0x8,                                            // dest conn ID length
		0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0x13, 0x37, // dest conn ID
		0x4,                // src conn ID length
		0x1, 0x2, 0x3, 0x4, // src conn ID
	}
	connID, err := ParseConnectionID(b, 0)
	require.NoError(t, err)
	require.Equal(t, protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0x13, 0x37}), connID)
}

func TestParseConnectionIDShortHeader(t *testing.T) {
	b := []byte{0x40, 0xde, 0xca, 0xfb, 0xad, 0x0, 0x0}
	connID, err := ParseConnectionID(b, 4)
	require.NoError(t, err)
	require.Equal(t, protocol.ParseConnectionID([]byte{0xde, 0xca, 0xfb, 0xad}), connID)
	_, err = ParseConnectionID(b[:4], 4)
	require.Equal(t, io.EOF, err)
}

func TestParseConnectionIDTooLong(t *testing.T) {
	b := []byte{0xc0, 0x1, 0x2, 0x3, 0x4, 21}
	b = append(b, make([]byte, 21)...)
	_, err := ParseConnectionID(b, 0)
	require.Equal(t, protocol.ErrInvalidConnectionIDLen, err)
}

func TestIsVersionNegotiationPacket(t *testing.T) {
	require.True(t, IsVersionNegotiationPacket([]byte{0x80 | 0x56, 0, 0, 0, 0}))
	require.False(t, IsVersionNegotiationPacket([]byte{0x80, 1, 0, 0, 0}))
	require.False(t, IsVersionNegotiationPacket([]byte{0x56, 0, 0, 0, 0}))
	require.False(t, IsVersionNegotiationPacket([]byte{0x80, 0, 0, 0}))
}

func composeInitialPacket(t *testing.T, srcConnID, destConnID protocol.ConnectionID, token []byte, pn protocol.PacketNumber, pnLen protocol.PacketNumberLen, payloadLen int) []byte {
	t.Helper()
	hdr := &ExtendedHeader{
		Header: Header{
			Type:             protocol.PacketTypeInitial,
			SrcConnectionID:  srcConnID,
			DestConnectionID: destConnID,
			Token:            token,
			Length:           protocol.ByteCount(pnLen) + protocol.ByteCount(payloadLen),
			Version:          protocol.Version1,
		},
		PacketNumber:    pn,
		PacketNumberLen: pnLen,
	}
	b, err := hdr.Append(nil, protocol.Version1)
	require.NoError(t, err)
	return append(b, make([]byte, payloadLen)...)
}

func TestParseLongHeader(t *testing.T) {
	destConnID := protocol.ParseConnectionID([]byte{0x9, 0x8, 0x7, 0x6, 0x5, 0x4, 0x3, 0x2})
	srcConnID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	data := composeInitialPacket(t, srcConnID, destConnID, []byte("token"), 0x1337, protocol.PacketNumberLen4, 42)

	hdr, packetData, rest, err := ParsePacket(data)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, data, packetData)
	require.Equal(t, protocol.PacketTypeInitial, hdr.Type)
	require.Equal(t, destConnID, hdr.DestConnectionID)
	require.Equal(t, srcConnID, hdr.SrcConnectionID)
	require.Equal(t, []byte("token"), hdr.Token)
	require.Equal(t, protocol.Version1, hdr.Version)

	extHdr, err := hdr.ParseExtended(data)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketNumber(0x1337), extHdr.PacketNumber)
	require.Equal(t, protocol.PacketNumberLen4, extHdr.PacketNumberLen)
}

func TestParsePacketRejectsShortHeader(t *testing.T) {
	_, _, _, err := ParsePacket([]byte{0x40, 0xde, 0xca, 0xfb, 0xad})
	require.Error(t, err)
}

func TestParsePacketDecoalescing(t *testing.T) {
	destConnID := protocol.ParseConnectionID([]byte{0x9, 0x8, 0x7, 0x6, 0x5, 0x4, 0x3, 0x2})
	srcConnID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	first := composeInitialPacket(t, srcConnID, destConnID, nil, 0x42, protocol.PacketNumberLen2, 100)
	second := composeInitialPacket(t, srcConnID, destConnID, nil, 0x43, protocol.PacketNumberLen2, 50)
	data := append(append([]byte{}, first...), second...)

	hdr, packetData, rest, err := ParsePacket(data)
	require.NoError(t, err)
	require.Equal(t, first, packetData)
	require.Equal(t, second, rest)
	require.Equal(t, destConnID, hdr.DestConnectionID)

	hdr2, packetData2, rest2, err := ParsePacket(rest)
	require.NoError(t, err)
	require.Equal(t, second, packetData2)
	require.Empty(t, rest2)
	require.Equal(t, destConnID, hdr2.DestConnectionID)
}

func TestParsePacketTooSmallForLengthField(t *testing.T) {
	destConnID := protocol.ParseConnectionID([]byte{0x9, 0x8, 0x7, 0x6})
	srcConnID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	data := composeInitialPacket(t, srcConnID, destConnID, nil, 0x42, protocol.PacketNumberLen2, 100)
	_, _, _, err := ParsePacket(data[:len(data)-1])
	require.Error(t, err)
	require.Contains(t, err.Error(), "smaller than the expected length")
}

func TestParsePacketUnsupportedVersion(t *testing.T) {
	b := []byte{0xc0}
	b = binary.BigEndian.AppendUint32(b, 0xdeadbeef) // unsupported version
	b = append(b, 0x0, 0x0)                          // conn ID lengths
	hdr, _, _, err := ParsePacket(b)
	require.Equal(t, ErrUnsupportedVersion, err)
	require.NotNil(t, hdr)
	require.Equal(t, protocol.Version(0xdeadbeef), hdr.Version)
}

func TestParseRetryPacket(t *testing.T) {
	b := []byte{0xc0 | 0b11<<4}
	b = binary.BigEndian.AppendUint32(b, uint32(protocol.Version1))
	b = append(b, 0x0)                         // dest conn ID length
	b = append(b, 0x4, 0xde, 0xad, 0xbe, 0xef) // src conn ID
	b = append(b, []byte("a retry token")...)  // token
	b = append(b, make([]byte, 16)...)         // integrity tag
	hdr, packetData, rest, err := ParsePacket(b)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketTypeRetry, hdr.Type)
	require.Equal(t, []byte("a retry token"), hdr.Token)
	require.Equal(t, b, packetData)
	require.Empty(t, rest)
}

func TestExtendedHeaderReservedBits(t *testing.T) {
	destConnID := protocol.ParseConnectionID([]byte{0x9, 0x8, 0x7, 0x6})
	srcConnID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	data := composeInitialPacket(t, srcConnID, destConnID, nil, 0x42, protocol.PacketNumberLen2, 10)
	data[0] |= 0x8 // set a reserved bit
	hdr, _, _, err := ParsePacket(data)
	require.NoError(t, err)
	// The header is still returned, so that the packet can be decrypted
	// before acting on the invalid reserved bits.
	extHdr, err := hdr.ParseExtended(data)
	require.Equal(t, ErrInvalidReservedBits, err)
	require.NotNil(t, extHdr)
	require.Equal(t, protocol.PacketNumber(0x42), extHdr.PacketNumber)
}

func TestExtendedHeaderRoundTripPacketNumberLengths(t *testing.T) {
	destConnID := protocol.ParseConnectionID([]byte{0x9, 0x8, 0x7, 0x6})
	srcConnID := protocol.ParseConnectionID([]byte{0xde, 0xad})
	for _, pnLen := range []protocol.PacketNumberLen{
		protocol.PacketNumberLen1,
		protocol.PacketNumberLen2,
		protocol.PacketNumberLen3,
		protocol.PacketNumberLen4,
	} {
		data := composeInitialPacket(t, srcConnID, destConnID, nil, 0x12, pnLen, 5)
		hdr, _, _, err := ParsePacket(data)
		require.NoError(t, err)
		extHdr, err := hdr.ParseExtended(data)
		require.NoError(t, err)
		require.Equal(t, protocol.PacketNumber(0x12), extHdr.PacketNumber)
		require.Equal(t, pnLen, extHdr.PacketNumberLen)
	}
}

func TestExtendedHeaderGetLength(t *testing.T) {
	hdr := &ExtendedHeader{
		Header: Header{
			Type:             protocol.PacketTypeHandshake,
			DestConnectionID: protocol.ParseConnectionID([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
			SrcConnectionID:  protocol.ParseConnectionID([]byte{1, 2, 3, 4}),
			Length:           42,
			Version:          protocol.Version1,
		},
		PacketNumber:    0x1337,
		PacketNumberLen: protocol.PacketNumberLen2,
	}
	b, err := hdr.Append(nil, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, hdr.GetLength(protocol.Version1), protocol.ByteCount(len(b)))
}

func TestShortHeaderRoundTrip(t *testing.T) {
	connID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	b, err := AppendShortHeader(nil, connID, 0x1337, protocol.PacketNumberLen3, protocol.KeyPhaseOne)
	require.NoError(t, err)
	require.Equal(t, ShortHeaderLen(connID, protocol.PacketNumberLen3), protocol.ByteCount(len(b)))

	l, pn, pnLen, kp, err := ParseShortHeader(b, connID.Len())
	require.NoError(t, err)
	require.Equal(t, len(b), l)
	require.Equal(t, protocol.PacketNumber(0x1337), pn)
	require.Equal(t, protocol.PacketNumberLen3, pnLen)
	require.Equal(t, protocol.KeyPhaseOne, kp)
}

func TestShortHeaderReservedBits(t *testing.T) {
	connID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	b, err := AppendShortHeader(nil, connID, 0x42, protocol.PacketNumberLen1, protocol.KeyPhaseZero)
	require.NoError(t, err)
	b[0] |= 0x10
	_, _, _, _, err = ParseShortHeader(b, connID.Len())
	require.Equal(t, ErrInvalidReservedBits, err)
}

func TestVersionNegotiationPacketRoundTrip(t *testing.T) {
	destConnID := protocol.ArbitraryLenConnectionID{1, 2, 3, 4, 5, 6, 7, 8}
	srcConnID := protocol.ArbitraryLenConnectionID{9, 10, 11, 12}
	versions := []protocol.Version{0x22334455, 0x33445566}
	data := ComposeVersionNegotiation(destConnID, srcConnID, versions)
	require.True(t, IsVersionNegotiationPacket(data))
	require.True(t, IsLongHeaderPacket(data[0]))

	dest, src, parsedVersions, err := ParseVersionNegotiationPacket(data)
	require.NoError(t, err)
	require.Equal(t, destConnID, dest)
	require.Equal(t, srcConnID, src)
	// The composed packet contains a greased version in addition.
	require.Len(t, parsedVersions, len(versions)+1)
	require.Contains(t, parsedVersions, versions[0])
	require.Contains(t, parsedVersions, versions[1])
}

func TestVersionNegotiationEmptyVersionList(t *testing.T) {
	b := []byte{0x80, 0, 0, 0, 0, 1, 0xde, 1, 0xad}
	_, _, _, err := ParseVersionNegotiationPacket(b)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty version list")
}
