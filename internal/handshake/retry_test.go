package handshake

import (
	"testing"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestRetryIntegrityTagVector(t *testing.T) {
	connID := protocol.ParseConnectionID(splitHexString(t, "0x8394c8f03e515708"))
	fullRetry := splitHexString(t, "ff000000010008f067a5502a4262b574 6f6b656e04a265ba2eff4d829058fb3f 0f2496ba")
	retryWithoutTag := fullRetry[:len(fullRetry)-16]
	expectedTag := fullRetry[len(fullRetry)-16:]
	tag := GetRetryIntegrityTag(retryWithoutTag, connID, protocol.Version1)
	require.Equal(t, expectedTag, tag[:])
}

func TestRetryIntegrityTagUsesConnectionID(t *testing.T) {
	fooTag := GetRetryIntegrityTag([]byte("foobar"), protocol.ParseConnectionID([]byte{1, 2, 3, 4}), protocol.Version1)
	barTag := GetRetryIntegrityTag([]byte("foobar"), protocol.ParseConnectionID([]byte{4, 3, 2, 1}), protocol.Version1)
	require.NotNil(t, fooTag)
	require.NotNil(t, barTag)
	require.NotEqual(t, *fooTag, *barTag)
}
