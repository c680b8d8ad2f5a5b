package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
)

func newTokenGenerator(t *testing.T) *TokenGenerator {
	t.Helper()
	key, err := NewTokenProtectorKey()
	require.NoError(t, err)
	return NewTokenGenerator(key)
}

func TestTokenGeneratorRetryToken(t *testing.T) {
	g := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}
	odcid := protocol.ParseConnectionID([]byte{1, 2, 3, 4, 5, 6})

	tokenEnc, err := g.NewRetryToken(raddr, odcid)
	require.NoError(t, err)
	token, err := g.DecodeToken(raddr, tokenEnc)
	require.NoError(t, err)
	require.True(t, token.IsRetryToken)
	require.Equal(t, odcid, token.OriginalDestConnectionID)
	require.WithinDuration(t, time.Now(), token.SentTime, time.Second)
}

func TestTokenGeneratorNewToken(t *testing.T) {
	g := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}

	tokenEnc, err := g.NewToken(raddr)
	require.NoError(t, err)
	token, err := g.DecodeToken(raddr, tokenEnc)
	require.NoError(t, err)
	require.False(t, token.IsRetryToken)
	require.Zero(t, token.OriginalDestConnectionID.Len())
}

func TestTokenGeneratorAcceptsTokenFromDifferentPort(t *testing.T) {
	g := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}
	tokenEnc, err := g.NewRetryToken(raddr, protocol.ParseConnectionID([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	// the token is bound to the IP address, not the port
	otherPort := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 7331}
	token, err := g.DecodeToken(otherPort, tokenEnc)
	require.NoError(t, err)
	require.True(t, token.IsRetryToken)
}

func TestTokenGeneratorRejectsTokenFromDifferentIP(t *testing.T) {
	g := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}
	tokenEnc, err := g.NewRetryToken(raddr, protocol.ParseConnectionID([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	otherIP := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1337}
	_, err = g.DecodeToken(otherIP, tokenEnc)
	require.EqualError(t, err, "invalid token")
}

func TestTokenGeneratorRejectsModifiedToken(t *testing.T) {
	g := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}
	tokenEnc, err := g.NewRetryToken(raddr, protocol.ParseConnectionID([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	tokenEnc[len(tokenEnc)-1] ^= 0xff
	_, err = g.DecodeToken(raddr, tokenEnc)
	require.EqualError(t, err, "invalid token")
}

func TestTokenGeneratorRejectsTokenFromDifferentKey(t *testing.T) {
	g1 := newTokenGenerator(t)
	g2 := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}
	tokenEnc, err := g1.NewRetryToken(raddr, protocol.ParseConnectionID([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	_, err = g2.DecodeToken(raddr, tokenEnc)
	require.EqualError(t, err, "invalid token")
}

func TestTokenGeneratorEmptyAndShortTokens(t *testing.T) {
	g := newTokenGenerator(t)
	raddr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 1337}

	token, err := g.DecodeToken(raddr, nil)
	require.NoError(t, err)
	require.Nil(t, token)

	_, err = g.DecodeToken(raddr, []byte{1, 2, 3})
	require.EqualError(t, err, "token too short")
}
