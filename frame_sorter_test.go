package quic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
)

func TestFrameSorterInOrder(t *testing.T) {
	s := newFrameSorter()
	require.NoError(t, s.Push([]byte("foo"), 0, nil))
	require.NoError(t, s.Push([]byte("bar"), 3, nil))
	offset, data, _ := s.Pop()
	require.Zero(t, offset)
	require.Equal(t, []byte("foo"), data)
	offset, data, _ = s.Pop()
	require.Equal(t, protocol.ByteCount(3), offset)
	require.Equal(t, []byte("bar"), data)
	_, data, _ = s.Pop()
	require.Nil(t, data)
	require.False(t, s.HasMoreData())
}

func TestFrameSorterOutOfOrder(t *testing.T) {
	s := newFrameSorter()
	require.NoError(t, s.Push([]byte("bar"), 3, nil))
	require.True(t, s.HasMoreData())
	// no in-order data available yet
	_, data, _ := s.Pop()
	require.Nil(t, data)
	require.NoError(t, s.Push([]byte("foo"), 0, nil))
	_, data, _ = s.Pop()
	require.Equal(t, []byte("foo"), data)
	_, data, _ = s.Pop()
	require.Equal(t, []byte("bar"), data)
}

func TestFrameSorterDuplicates(t *testing.T) {
	s := newFrameSorter()
	var dropped int
	cb := func() { dropped++ }
	require.NoError(t, s.Push([]byte("foobar"), 0, nil))
	// exact duplicate
	require.NoError(t, s.Push([]byte("foobar"), 0, cb))
	require.Equal(t, 1, dropped)
	// fully covered range
	require.NoError(t, s.Push([]byte("oba"), 2, cb))
	require.Equal(t, 2, dropped)
	_, data, _ := s.Pop()
	require.Equal(t, []byte("foobar"), data)
	// data that was already read
	require.NoError(t, s.Push([]byte("foo"), 0, cb))
	require.Equal(t, 3, dropped)
	require.False(t, s.HasMoreData())
}

func TestFrameSorterOverlapRejection(t *testing.T) {
	s := newFrameSorter()
	var dropped int
	require.NoError(t, s.Push([]byte("bar"), 3, nil))
	// overlaps the tail of the queued range
	require.NoError(t, s.Push([]byte("rbaz"), 5, func() { dropped++ }))
	require.Equal(t, 1, dropped)
	// overlaps the head of the queued range
	require.NoError(t, s.Push([]byte("oob"), 1, func() { dropped++ }))
	require.Equal(t, 2, dropped)
	require.NoError(t, s.Push([]byte("foo"), 0, nil))
	_, data, _ := s.Pop()
	require.Equal(t, []byte("foo"), data)
	_, data, _ = s.Pop()
	require.Equal(t, []byte("bar"), data)
}

func TestFrameSorterRetransmissionStraddlingReadOffset(t *testing.T) {
	s := newFrameSorter()
	require.NoError(t, s.Push([]byte("foobar"), 0, nil))
	_, data, _ := s.Pop()
	require.Equal(t, []byte("foobar"), data)

	// a retransmission that begins before the read offset is trimmed,
	// the unread part must still be delivered
	require.NoError(t, s.Push([]byte("barbaz"), 3, nil))
	offset, data, _ := s.Pop()
	require.Equal(t, protocol.ByteCount(6), offset)
	require.Equal(t, []byte("baz"), data)

	// a clean retransmission of the unread part is a duplicate
	var dropped bool
	require.NoError(t, s.Push([]byte("baz"), 6, func() { dropped = true }))
	require.True(t, dropped)
	require.False(t, s.HasMoreData())
}

func TestFrameSorterEmptyFrames(t *testing.T) {
	s := newFrameSorter()
	var done bool
	require.NoError(t, s.Push(nil, 0, func() { done = true }))
	require.True(t, done)
	require.False(t, s.HasMoreData())
}

func TestFrameSorterGapLimit(t *testing.T) {
	s := newFrameSorter()
	// every frame at an odd offset creates a new gap
	for i := 0; i < protocol.MaxStreamFrameSorterGaps; i++ {
		require.NoError(t, s.Push([]byte{0x42}, protocol.ByteCount(2*i+1), nil))
	}
	err := s.Push([]byte{0x42}, protocol.ByteCount(2*protocol.MaxStreamFrameSorterGaps+1), nil)
	require.ErrorIs(t, err, errTooManyGapsInReceivedStreamData)
}
