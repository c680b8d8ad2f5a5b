package quic

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func mockToken(num int) *ClientToken {
	return &ClientToken{data: []byte(fmt.Sprintf("token %d", num))}
}

func TestTokenStoreSingleOrigin(t *testing.T) {
	s := NewLRUTokenStore(1, 3)

	require.Nil(t, s.Pop("host"))

	s.Put("host", mockToken(1))
	s.Put("host", mockToken(2))
	require.Equal(t, mockToken(2), s.Pop("host"))
	require.Equal(t, mockToken(1), s.Pop("host"))
	require.Nil(t, s.Pop("host"))

	// tokens are evicted once the per-origin limit is reached
	for i := 0; i < 10; i++ {
		s.Put("host", mockToken(i))
	}
	require.Equal(t, mockToken(9), s.Pop("host"))
	require.Equal(t, mockToken(8), s.Pop("host"))
	require.Equal(t, mockToken(7), s.Pop("host"))
	require.Nil(t, s.Pop("host"))
}

func TestTokenStoreMultipleOrigins(t *testing.T) {
	s := NewLRUTokenStore(2, 3)

	s.Put("host1", mockToken(1))
	s.Put("host2", mockToken(2))
	require.Equal(t, mockToken(1), s.Pop("host1"))
	require.Nil(t, s.Pop("host1"))
	require.Equal(t, mockToken(2), s.Pop("host2"))
	require.Nil(t, s.Pop("host2"))
}

func TestTokenStoreLRUEviction(t *testing.T) {
	s := NewLRUTokenStore(2, 3)

	s.Put("host1", mockToken(1))
	s.Put("host2", mockToken(2))
	// host1 is the least recently used origin and gets evicted
	s.Put("host3", mockToken(3))
	require.Nil(t, s.Pop("host1"))
	require.Equal(t, mockToken(2), s.Pop("host2"))
	require.Equal(t, mockToken(3), s.Pop("host3"))

	s.Put("host4", mockToken(4))
	s.Put("host5", mockToken(5))
	// refresh host4, then add another origin: host5 gets evicted
	s.Put("host4", mockToken(6))
	s.Put("host6", mockToken(7))
	require.Nil(t, s.Pop("host5"))
	require.Equal(t, mockToken(6), s.Pop("host4"))
	require.Equal(t, mockToken(4), s.Pop("host4"))
	require.Equal(t, mockToken(7), s.Pop("host6"))
}
