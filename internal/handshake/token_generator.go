package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
)

// A Token is derived from the client's remote address and the connection ID
// it used on its first Initial.
type Token struct {
	IsRetryToken bool
	SentTime     time.Time
	// only set for tokens sent in Retry packets
	OriginalDestConnectionID protocol.ConnectionID
}

const (
	tokenTypeRetry    = 1
	tokenTypeNewToken = 2

	tokenHashLen      = sha256.Size
	tokenTimestampLen = 8
)

// A TokenGenerator generates and validates address validation tokens.
// A Retry token binds the client's address to the connection ID of its first Initial.
// The token is a keyed hash over the address and the connection ID, followed by
// the connection ID in clear, so that the server can recover it without keeping state.
type TokenGenerator struct {
	key TokenProtectorKey
}

// TokenProtectorKey is the key used to authenticate tokens.
type TokenProtectorKey [32]byte

// NewTokenProtectorKey creates a new key for the token generator.
func NewTokenProtectorKey() (TokenProtectorKey, error) {
	var key TokenProtectorKey
	if _, err := rand.Read(key[:]); err != nil {
		return TokenProtectorKey{}, err
	}
	return key, nil
}

// NewTokenGenerator initializes a new TokenGenerator
func NewTokenGenerator(key TokenProtectorKey) *TokenGenerator {
	return &TokenGenerator{key: key}
}

// NewRetryToken generates a new token for a Retry for a given source address
func (g *TokenGenerator) NewRetryToken(raddr net.Addr, origDestConnID protocol.ConnectionID) ([]byte, error) {
	return g.newToken(tokenTypeRetry, raddr, time.Now(), origDestConnID.Bytes()), nil
}

// NewToken generates a new token to be sent in a NEW_TOKEN frame
func (g *TokenGenerator) NewToken(raddr net.Addr) ([]byte, error) {
	return g.newToken(tokenTypeNewToken, raddr, time.Now(), nil), nil
}

func (g *TokenGenerator) newToken(typ byte, raddr net.Addr, sentTime time.Time, connID []byte) []byte {
	var ts [tokenTimestampLen]byte
	binary.BigEndian.PutUint64(ts[:], uint64(sentTime.UnixNano()))
	mac := g.calculateMAC(typ, encodeRemoteAddr(raddr), ts[:], connID)
	token := make([]byte, 0, 1+tokenHashLen+tokenTimestampLen+len(connID))
	token = append(token, typ)
	token = append(token, mac...)
	token = append(token, ts[:]...)
	token = append(token, connID...)
	return token
}

// DecodeToken decodes and validates a token, recovering the original destination
// connection ID for Retry tokens.
func (g *TokenGenerator) DecodeToken(raddr net.Addr, data []byte) (*Token, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 1+tokenHashLen+tokenTimestampLen {
		return nil, errors.New("token too short")
	}
	typ := data[0]
	if typ != tokenTypeRetry && typ != tokenTypeNewToken {
		return nil, errors.New("unknown token type")
	}
	mac := data[1 : 1+tokenHashLen]
	ts := data[1+tokenHashLen : 1+tokenHashLen+tokenTimestampLen]
	connID := data[1+tokenHashLen+tokenTimestampLen:]
	if typ == tokenTypeRetry && len(connID) > protocol.MaxConnIDLen {
		return nil, protocol.ErrInvalidConnectionIDLen
	}
	expected := g.calculateMAC(typ, encodeRemoteAddr(raddr), ts, connID)
	if !hmac.Equal(mac, expected) {
		return nil, errors.New("invalid token")
	}
	token := &Token{
		IsRetryToken: typ == tokenTypeRetry,
		SentTime:     time.Unix(0, int64(binary.BigEndian.Uint64(ts))),
	}
	if token.IsRetryToken {
		token.OriginalDestConnectionID = protocol.ParseConnectionID(connID)
	}
	return token, nil
}

func (g *TokenGenerator) calculateMAC(typ byte, addr, ts, connID []byte) []byte {
	h := hmac.New(sha256.New, g.key[:])
	h.Write([]byte{typ})
	h.Write(addr)
	h.Write(ts)
	h.Write(connID)
	return h.Sum(nil)
}

// encodeRemoteAddr encodes the IP address, ignoring the port.
// Tokens remain valid when the client's port changes between Initials.
func encodeRemoteAddr(remoteAddr net.Addr) []byte {
	if udpAddr, ok := remoteAddr.(*net.UDPAddr); ok {
		return udpAddr.IP
	}
	return []byte(remoteAddr.String())
}
