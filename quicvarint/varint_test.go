package quicvarint

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintParse(t *testing.T) {
	// 1-byte encoding
	val, n, err := Parse([]byte{0b00011001})
	require.NoError(t, err)
	assert.Equal(t, uint64(25), val)
	assert.Equal(t, 1, n)
	// 2-byte encoding
	val, n, err = Parse([]byte{0b01111011, 0xbd})
	require.NoError(t, err)
	assert.Equal(t, uint64(15293), val)
	assert.Equal(t, 2, n)
	// 4-byte encoding
	val, n, err = Parse([]byte{0b10011101, 0x7f, 0x3e, 0x7d})
	require.NoError(t, err)
	assert.Equal(t, uint64(494878333), val)
	assert.Equal(t, 4, n)
	// 8-byte encoding
	val, n, err = Parse([]byte{0b11000010, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c})
	require.NoError(t, err)
	assert.Equal(t, uint64(151288809941952652), val)
	assert.Equal(t, 8, n)
}

func TestVarintParseErrors(t *testing.T) {
	_, _, err := Parse([]byte{})
	assert.Equal(t, io.EOF, err)
	// 2-byte encoding, but only 1 byte
	_, _, err = Parse([]byte{0b01000000})
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	// 8-byte encoding, but only 7 bytes
	_, _, err = Parse([]byte{0xc0, 1, 2, 3, 4, 5, 6})
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestVarintAppend(t *testing.T) {
	assert.Equal(t, []byte{0b00011001}, Append(nil, 25))
	assert.Equal(t, []byte{0b01111011, 0xbd}, Append(nil, 15293))
	assert.Equal(t, []byte{0b10011101, 0x7f, 0x3e, 0x7d}, Append(nil, 494878333))
	assert.Equal(t, []byte{0b11000010, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, Append(nil, 151288809941952652))
}

func TestVarintAppendTooLarge(t *testing.T) {
	assert.Panics(t, func() { Append(nil, Max+1) })
}

func TestVarintRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(0x1337))
	for i := 0; i < 5000; i++ {
		v := r.Uint64() % Max
		b := Append(nil, v)
		l := Len(v)
		require.Contains(t, []int{1, 2, 4, 8}, l)
		require.Len(t, b, l)
		parsed, n, err := Parse(b)
		require.NoError(t, err)
		assert.Equal(t, l, n)
		assert.Equal(t, v, parsed)
	}
}

func TestVarintRead(t *testing.T) {
	for _, v := range []uint64{0, 63, 64, 16383, 16384, maxVarInt4, maxVarInt4 + 1, Max} {
		b := bytes.NewReader(Append(nil, v))
		val, err := Read(b)
		require.NoError(t, err)
		assert.Equal(t, v, val)
		assert.Zero(t, b.Len())
	}
}

func TestVarintAppendWithLen(t *testing.T) {
	assert.Equal(t, []byte{0b01000000, 37}, AppendWithLen(nil, 37, 2))
	assert.Equal(t, []byte{0b10000000, 0, 0, 37}, AppendWithLen(nil, 37, 4))
	assert.Equal(t, []byte{0b11000000, 0, 0, 0, 0, 0, 0, 37}, AppendWithLen(nil, 37, 8))
	for _, l := range []int{1, 2, 4, 8} {
		b := AppendWithLen(nil, 1, l)
		require.Len(t, b, l)
		v, n, err := Parse(b)
		require.NoError(t, err)
		assert.Equal(t, l, n)
		assert.Equal(t, uint64(1), v)
	}
	assert.Panics(t, func() { AppendWithLen(nil, 1, 3) })
	assert.Panics(t, func() { AppendWithLen(nil, 16384, 2) })
}

func TestVarintLen(t *testing.T) {
	assert.Equal(t, 1, Len(0))
	assert.Equal(t, 1, Len(maxVarInt1))
	assert.Equal(t, 2, Len(maxVarInt1+1))
	assert.Equal(t, 2, Len(maxVarInt2))
	assert.Equal(t, 4, Len(maxVarInt2+1))
	assert.Equal(t, 4, Len(maxVarInt4))
	assert.Equal(t, 8, Len(maxVarInt4+1))
	assert.Equal(t, 8, Len(maxVarInt8))
	assert.Panics(t, func() { Len(maxVarInt8 + 1) })
}
