package wire

import (
	"testing"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestStreamFrameParse(t *testing.T) {
	data := encodeVarInt(0x12345) // stream ID
	data = append(data, []byte("foobar")...)
	frame, l, err := parseStreamFrame(data, 0x8, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(0x12345), frame.StreamID)
	require.Equal(t, []byte("foobar"), frame.Data)
	require.False(t, frame.Fin)
	require.Zero(t, frame.Offset)
	require.False(t, frame.DataLenPresent)
	require.Equal(t, len(data), l)
}

func TestStreamFrameParseOffsetAndDataLen(t *testing.T) {
	data := encodeVarInt(0x12345)                    // stream ID
	data = append(data, encodeVarInt(0xdecafbad)...) // offset
	data = append(data, encodeVarInt(4)...)          // data length
	data = append(data, []byte("foobar")...)
	frame, l, err := parseStreamFrame(data, 0x8^0b100^0b10, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamID(0x12345), frame.StreamID)
	require.Equal(t, []byte("foob"), frame.Data)
	require.True(t, frame.DataLenPresent)
	require.Equal(t, protocol.ByteCount(0xdecafbad), frame.Offset)
	require.Equal(t, len(data)-2, l)
}

func TestStreamFrameParseFin(t *testing.T) {
	data := encodeVarInt(9)
	data = append(data, encodeVarInt(0x42)...) // offset
	frame, l, err := parseStreamFrame(data, 0x8^0b100^0b1, protocol.Version1)
	require.NoError(t, err)
	require.True(t, frame.Fin)
	require.Empty(t, frame.Data)
	require.Equal(t, protocol.ByteCount(0x42), frame.Offset)
	require.Equal(t, len(data), l)
}

func TestStreamFrameParseRejectsOffsetOverflow(t *testing.T) {
	data := encodeVarInt(0x12345)
	data = append(data, encodeVarInt(uint64(protocol.MaxByteCount-5))...) // offset
	data = append(data, encodeVarInt(6)...)                               // data length
	data = append(data, []byte("foobar")...)
	_, _, err := parseStreamFrame(data, 0x8^0b100^0b10, protocol.Version1)
	require.EqualError(t, err, "stream data overflows maximum offset")
}

func TestStreamFrameParseDataLenLargerThanRemaining(t *testing.T) {
	data := encodeVarInt(0x12345)
	data = append(data, encodeVarInt(7)...) // data length
	data = append(data, []byte("foobar")...)
	_, _, err := parseStreamFrame(data, 0x8^0b10, protocol.Version1)
	require.Error(t, err)
}

func TestStreamFrameWrite(t *testing.T) {
	frame := &StreamFrame{
		StreamID: 0x1337,
		Offset:   0x123456,
		Data:     []byte("foobar"),
		Fin:      true,
	}
	b, err := frame.Append(nil, protocol.Version1)
	require.NoError(t, err)
	expected := []byte{0x8 ^ 0b100 ^ 0b1}
	expected = append(expected, encodeVarInt(0x1337)...)
	expected = append(expected, encodeVarInt(0x123456)...)
	expected = append(expected, []byte("foobar")...)
	require.Equal(t, expected, b)
	require.Equal(t, protocol.ByteCount(len(b)), frame.Length(protocol.Version1))
}

func TestStreamFrameWriteRejectsEmptyWithoutFin(t *testing.T) {
	frame := &StreamFrame{StreamID: 0x42, Offset: 0x1337}
	_, err := frame.Append(nil, protocol.Version1)
	require.Error(t, err)
}

func TestStreamFrameWriteEmptyWithFin(t *testing.T) {
	frame := &StreamFrame{StreamID: 0x42, Offset: 0x1337, Fin: true}
	b, err := frame.Append(nil, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, protocol.ByteCount(len(b)), frame.Length(protocol.Version1))
}

func TestStreamFrameMaxDataLen(t *testing.T) {
	const maxSize = 3000
	data := make([]byte, maxSize)
	f := &StreamFrame{
		StreamID: 0x1337,
		Offset:   0xdeadbeef,
	}
	for i := 1; i < 3000; i++ {
		f.Data = nil
		maxDataLen := f.MaxDataLen(protocol.ByteCount(i), protocol.Version1)
		if maxDataLen == 0 { // 0 means that the frame can't be written at all
			continue
		}
		f.Data = data[:int(maxDataLen)]
		b, err := f.Append(nil, protocol.Version1)
		require.NoError(t, err)
		require.Equal(t, i, len(b))
	}
}

func TestStreamFrameSplit(t *testing.T) {
	f := &StreamFrame{
		StreamID: 0x1337,
		Offset:   0x100,
		Data:     []byte("foobar"),
		Fin:      true,
	}
	frame, needsSplit := f.MaybeSplitOffFrame(f.Length(protocol.Version1)-3, protocol.Version1)
	require.True(t, needsSplit)
	require.NotNil(t, frame)
	require.Equal(t, []byte("foo"), frame.Data)
	require.Equal(t, protocol.ByteCount(0x100), frame.Offset)
	require.False(t, frame.Fin)
	require.Equal(t, []byte("bar"), f.Data)
	require.Equal(t, protocol.ByteCount(0x103), f.Offset)
	require.True(t, f.Fin)
}

func TestStreamFrameSplitNotNeeded(t *testing.T) {
	f := &StreamFrame{StreamID: 1, Data: []byte("foobar")}
	frame, needsSplit := f.MaybeSplitOffFrame(f.Length(protocol.Version1), protocol.Version1)
	require.False(t, needsSplit)
	require.Nil(t, frame)
}
