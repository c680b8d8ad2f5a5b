package handshake

import (
	"crypto/rand"
	"crypto/tls"
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/utils"

	"github.com/stretchr/testify/require"
)

func getPeers(t *testing.T, rttStats *utils.RTTStats) (client, server *updatableAEAD) {
	t.Helper()
	trafficSecret1 := make([]byte, 16)
	trafficSecret2 := make([]byte, 16)
	rand.Read(trafficSecret1)
	rand.Read(trafficSecret2)

	suite := getCipherSuite(tls.TLS_AES_128_GCM_SHA256)
	client = newUpdatableAEAD(rttStats, utils.DefaultLogger)
	server = newUpdatableAEAD(rttStats, utils.DefaultLogger)
	client.SetReadKey(suite, trafficSecret2)
	client.SetWriteKey(suite, trafficSecret1)
	server.SetReadKey(suite, trafficSecret1)
	server.SetWriteKey(suite, trafficSecret2)
	return client, server
}

func TestChaChaTestVector(t *testing.T) {
	secret := splitHexString(t, "9ac312a7f877468ebe69422748ad00a1 5443f18203a07d6060f688f30f21632b")
	aead := newUpdatableAEAD(&utils.RTTStats{}, utils.DefaultLogger)
	aead.SetWriteKey(getCipherSuite(tls.TLS_CHACHA20_POLY1305_SHA256), secret)

	const pn = 654360564
	packet := splitHexString(t, "4200bff4")
	payloadOffset := len(packet)
	plaintext := splitHexString(t, "01")
	payload := aead.Seal(nil, plaintext, pn, packet)
	packet = append(packet, payload...)
	require.Equal(t, splitHexString(t, "655e5cd55c41f69080575d7999c25a5bfb"), packet[payloadOffset:])

	pnOffset := 1
	sample := packet[pnOffset+4 : pnOffset+4+16]
	aead.EncryptHeader(sample, &packet[0], packet[pnOffset:payloadOffset])
	require.Equal(t, splitHexString(t, "4cfe4189655e5cd55c41f69080575d7999c25a5bfb"), packet)
}

func TestUpdatableAEADSealAndOpen(t *testing.T) {
	client, server := getPeers(t, &utils.RTTStats{})
	now := time.Now()

	msg := []byte("Lorem ipsum dolor sit amet")
	ad := []byte("Donec in velit neque.")
	encrypted := client.Seal(nil, msg, 0x1337, ad)
	opened, err := server.Open(nil, encrypted, now, 0x1337, protocol.KeyPhaseZero, ad)
	require.NoError(t, err)
	require.Equal(t, msg, opened)

	_, err = server.Open(nil, encrypted, now, 0x1337, protocol.KeyPhaseZero, []byte("wrong ad"))
	require.Equal(t, ErrDecryptionFailed, err)
}

func TestUpdatableAEADKeyUpdate(t *testing.T) {
	client, server := getPeers(t, &utils.RTTStats{})
	now := time.Now()
	msg := []byte("message")
	ad := []byte("ad")

	// exchange a packet in the current phase, so that an ACK is permitted
	encrypted := client.Seal(nil, msg, 1, ad)
	_, err := server.Open(nil, encrypted, now, 1, protocol.KeyPhaseZero, ad)
	require.NoError(t, err)
	server.Seal(nil, msg, 1, ad)
	require.NoError(t, server.SetLargestAcked(1))

	// the client initiates a key update
	client.SetHandshakeConfirmed()
	server.SetHandshakeConfirmed()
	require.True(t, client.RequestKeyUpdate())
	require.Equal(t, protocol.KeyPhaseOne, client.KeyPhase())

	// the server opens the packet sealed with the new keys, and updates its own keys
	encrypted = client.Seal(nil, msg, 5, ad)
	opened, err := server.Open(nil, encrypted, now, 5, protocol.KeyPhaseOne, ad)
	require.NoError(t, err)
	require.Equal(t, msg, opened)
	require.Equal(t, protocol.KeyPhaseOne, server.KeyPhase())
}

func TestUpdatableAEADKeyUpdateTooQuickly(t *testing.T) {
	client, server := getPeers(t, &utils.RTTStats{})
	now := time.Now()
	msg := []byte("message")
	ad := []byte("ad")

	client.SetHandshakeConfirmed()
	server.SetHandshakeConfirmed()

	// first key update, initiated by the client
	encrypted := client.Seal(nil, msg, 1, ad)
	_, err := server.Open(nil, encrypted, now, 1, protocol.KeyPhaseZero, ad)
	require.NoError(t, err)
	server.Seal(nil, msg, 1, ad)
	require.NoError(t, server.SetLargestAcked(1))
	require.True(t, client.RequestKeyUpdate())
	encrypted = client.Seal(nil, msg, 5, ad)
	_, err = server.Open(nil, encrypted, now, 5, protocol.KeyPhaseOne, ad)
	require.NoError(t, err)

	// the server hasn't sent any packet in the new phase yet,
	// so another key update from the client is not permitted
	client.rollKeys()
	encrypted = client.Seal(nil, msg, 10, ad)
	_, err = server.Open(nil, encrypted, now, 10, protocol.KeyPhaseZero, ad)
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.KeyUpdateError, transportErr.ErrorCode)
	require.Contains(t, transportErr.ErrorMessage, "keys updated too quickly")
}

func TestUpdatableAEADOpensReorderedPacketsFromPreviousPhase(t *testing.T) {
	client, server := getPeers(t, &utils.RTTStats{})
	now := time.Now()
	msg := []byte("message")
	ad := []byte("ad")

	// a packet sealed with the old keys, delivered late
	oldEncrypted := client.Seal(nil, msg, 3, ad)

	// exchange a packet, then update the keys
	encrypted := client.Seal(nil, msg, 4, ad)
	_, err := server.Open(nil, encrypted, now, 4, protocol.KeyPhaseZero, ad)
	require.NoError(t, err)
	server.Seal(nil, msg, 1, ad)
	require.NoError(t, server.SetLargestAcked(1))
	client.SetHandshakeConfirmed()
	server.SetHandshakeConfirmed()
	require.True(t, client.RequestKeyUpdate())
	encrypted = client.Seal(nil, msg, 5, ad)
	_, err = server.Open(nil, encrypted, now, 5, protocol.KeyPhaseOne, ad)
	require.NoError(t, err)

	// the reordered packet from the previous phase is still decryptable
	opened, err := server.Open(nil, oldEncrypted, now, 3, protocol.KeyPhaseZero, ad)
	require.NoError(t, err)
	require.Equal(t, msg, opened)
}

func TestUpdatableAEADKeyUpdateNotAllowedBeforeConfirmation(t *testing.T) {
	client, _ := getPeers(t, &utils.RTTStats{})
	require.False(t, client.RequestKeyUpdate())
	require.Equal(t, protocol.KeyPhaseZero, client.KeyPhase())
}

func TestUpdatableAEADErrsWhenPeerAcksUnsentKeyPhase(t *testing.T) {
	client, _ := getPeers(t, &utils.RTTStats{})
	msg := []byte("message")
	ad := []byte("ad")

	client.SetHandshakeConfirmed()
	require.True(t, client.RequestKeyUpdate())
	client.Seal(nil, msg, 5, ad)
	// No packet was received in the new phase.
	// An ACK for packet 5 means the peer processed the key update without updating its own keys.
	err := client.SetLargestAcked(5)
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.KeyUpdateError, transportErr.ErrorCode)
}

func TestUpdatableAEADAutomaticKeyUpdateAfterInterval(t *testing.T) {
	client, server := getPeers(t, &utils.RTTStats{})
	now := time.Now()
	msg := []byte("message")
	ad := []byte("ad")

	client.SetHandshakeConfirmed()
	server.SetHandshakeConfirmed()

	var pn protocol.PacketNumber
	for i := uint64(0); i < FirstKeyUpdateInterval; i++ {
		kp := client.KeyPhase()
		require.Equal(t, protocol.KeyPhaseZero, kp)
		encrypted := client.Seal(nil, msg, pn, ad)
		_, err := server.Open(nil, encrypted, now, pn, kp, ad)
		require.NoError(t, err)
		pn++
	}
	// the next call to KeyPhase initiates the first key update
	require.Equal(t, protocol.KeyPhaseOne, client.KeyPhase())
}
