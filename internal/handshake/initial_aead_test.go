package handshake

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
)

func splitHexString(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimPrefix(s, "0x"), " ", ""))
	require.NoError(t, err)
	return b
}

var connID = protocol.ParseConnectionID([]byte{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08})

func TestInitialClientSecrets(t *testing.T) {
	clientSecret, _ := computeSecrets(connID)
	require.Equal(t,
		splitHexString(t, "c00cf151ca5be075ed0ebfb5c80323c4 2d6b7db67881289af4008f1f6c357aea"),
		clientSecret,
	)
	key, iv := computeInitialKeyAndIV(clientSecret)
	require.Equal(t, splitHexString(t, "1f369613dd76d5467730efcbe3b1a22d"), key)
	require.Equal(t, splitHexString(t, "fa044b2f42a3fd3b46fb255c"), iv)
}

func TestInitialServerSecrets(t *testing.T) {
	_, serverSecret := computeSecrets(connID)
	require.Equal(t,
		splitHexString(t, "3c199828fd139efd216c155ad844cc81 fb82fa8047788531bb4b0fdc24e3dc65"),
		serverSecret,
	)
	key, iv := computeInitialKeyAndIV(serverSecret)
	require.Equal(t, splitHexString(t, "cf3a5331653c364c88f0f379b6067e37"), key)
	require.Equal(t, splitHexString(t, "0ac1493ca1905853b0bba03e"), iv)
}

func TestInitialAEADSealAndOpen(t *testing.T) {
	cID := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef})
	clientSealer, clientOpener := NewInitialAEAD(cID, protocol.PerspectiveClient, protocol.Version1)
	serverSealer, serverOpener := NewInitialAEAD(cID, protocol.PerspectiveServer, protocol.Version1)

	clientMessage := clientSealer.Seal(nil, []byte("foobar"), 42, []byte("aad"))
	m, err := serverOpener.Open(nil, clientMessage, 42, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, []byte("foobar"), m)

	serverMessage := serverSealer.Seal(nil, []byte("raboof"), 99, []byte("daa"))
	m, err = clientOpener.Open(nil, serverMessage, 99, []byte("daa"))
	require.NoError(t, err)
	require.Equal(t, []byte("raboof"), m)
}

func TestInitialAEADFailsWithDifferentConnectionIDs(t *testing.T) {
	c1 := protocol.ParseConnectionID([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	c2 := protocol.ParseConnectionID([]byte{0, 0, 0, 0, 0, 0, 0, 2})
	clientSealer, _ := NewInitialAEAD(c1, protocol.PerspectiveClient, protocol.Version1)
	_, serverOpener := NewInitialAEAD(c2, protocol.PerspectiveServer, protocol.Version1)

	clientMessage := clientSealer.Seal(nil, []byte("foobar"), 42, []byte("aad"))
	_, err := serverOpener.Open(nil, clientMessage, 42, []byte("aad"))
	require.Equal(t, ErrDecryptionFailed, err)
}

func TestInitialAEADHeaderProtection(t *testing.T) {
	cID := protocol.ParseConnectionID([]byte{0xde, 0xca, 0xfb, 0xad})
	clientSealer, _ := NewInitialAEAD(cID, protocol.PerspectiveClient, protocol.Version1)
	_, serverOpener := NewInitialAEAD(cID, protocol.PerspectiveServer, protocol.Version1)

	// the sample is the same for encryption and decryption, so protection must round-trip
	sample := make([]byte, 16)
	for i := range sample {
		sample[i] = byte(i)
	}
	firstByte := byte(0xc3)
	pnBytes := []byte{0xde, 0xad, 0xbe, 0xef}
	protectedFirst := firstByte
	protectedPN := append([]byte{}, pnBytes...)
	clientSealer.EncryptHeader(sample, &protectedFirst, protectedPN)
	require.NotEqual(t, pnBytes, protectedPN)

	serverOpener.DecryptHeader(sample, &protectedFirst, protectedPN)
	require.Equal(t, firstByte, protectedFirst)
	require.Equal(t, pnBytes, protectedPN)
}
