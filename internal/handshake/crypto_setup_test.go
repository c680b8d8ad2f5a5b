package handshake

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/testdata"
	"github.com/quic-dev/quix/internal/utils"
	"github.com/quic-dev/quix/internal/wire"

	"github.com/stretchr/testify/require"
)

const alpn = "quix-test"

func getTLSConfigs() (clientConf, serverConf *tls.Config) {
	clientConf = testdata.GetClientTLSConfig()
	clientConf.NextProtos = []string{alpn}
	serverConf = testdata.GetTLSConfig()
	serverConf.NextProtos = []string{alpn}
	return
}

func newCryptoSetupPair(t *testing.T, clientConf, serverConf *tls.Config, clientRTTStats, serverRTTStats *utils.RTTStats, enable0RTT bool) (client, server CryptoSetup) {
	t.Helper()
	clientConnID := protocol.ParseConnectionID([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	client = NewCryptoSetupClient(
		clientConnID,
		&wire.TransportParameters{ActiveConnectionIDLimit: 3},
		clientConf,
		enable0RTT,
		clientRTTStats,
		utils.DefaultLogger.WithPrefix("client"),
		protocol.Version1,
	)
	t.Cleanup(func() { client.Close() })
	server = NewCryptoSetupServer(
		clientConnID,
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2},
		&wire.TransportParameters{ActiveConnectionIDLimit: 5},
		serverConf,
		enable0RTT,
		serverRTTStats,
		utils.DefaultLogger.WithPrefix("server"),
		protocol.Version1,
	)
	t.Cleanup(func() { server.Close() })
	return client, server
}

type handshakeResult struct {
	peerParams  *wire.TransportParameters
	restored    *wire.TransportParameters
	complete    bool
	discard0RTT bool
}

// drainEvents processes all pending events of one side, forwarding CRYPTO data to the peer.
func drainEvents(t *testing.T, cs, peer CryptoSetup, res *handshakeResult) bool {
	t.Helper()
	var progress bool
	for {
		ev := cs.NextEvent()
		if ev.Kind == EventNoEvent {
			return progress
		}
		progress = true
		switch ev.Kind {
		case EventWriteInitialData:
			require.NoError(t, peer.HandleMessage(ev.Data, protocol.EncryptionInitial))
		case EventWriteHandshakeData:
			require.NoError(t, peer.HandleMessage(ev.Data, protocol.EncryptionHandshake))
		case EventReceivedTransportParameters:
			res.peerParams = ev.TransportParameters
		case EventRestoredTransportParameters:
			res.restored = ev.TransportParameters
		case EventHandshakeComplete:
			res.complete = true
		case EventDiscard0RTTKeys:
			res.discard0RTT = true
		case EventReceivedReadKeys:
			// nothing to do
		default:
			t.Fatalf("unexpected event: %s", ev.Kind)
		}
	}
}

func handshake(t *testing.T, client, server CryptoSetup) (clientRes, serverRes handshakeResult) {
	t.Helper()
	require.NoError(t, client.StartHandshake(context.Background()))
	require.NoError(t, server.StartHandshake(context.Background()))
	for i := 0; i < 10; i++ {
		clientProgress := drainEvents(t, client, server, &clientRes)
		serverProgress := drainEvents(t, server, client, &serverRes)
		if clientRes.complete && serverRes.complete {
			return
		}
		if !clientProgress && !serverProgress {
			break
		}
	}
	t.Fatal("handshake did not complete")
	return
}

func TestHandshake(t *testing.T) {
	clientConf, serverConf := getTLSConfigs()
	client, server := newCryptoSetupPair(t, clientConf, serverConf, &utils.RTTStats{}, &utils.RTTStats{}, false)

	clientRes, serverRes := handshake(t, client, server)
	require.True(t, clientRes.complete)
	require.True(t, serverRes.complete)
	require.NotNil(t, clientRes.peerParams)
	require.EqualValues(t, 5, clientRes.peerParams.ActiveConnectionIDLimit)
	require.NotNil(t, serverRes.peerParams)
	require.EqualValues(t, 3, serverRes.peerParams.ActiveConnectionIDLimit)

	// both sides can exchange 1-RTT protected data now
	sealer, err := client.Get1RTTSealer()
	require.NoError(t, err)
	opener, err := server.Get1RTTOpener()
	require.NoError(t, err)
	msg := sealer.Seal(nil, []byte("foobar"), 0x42, []byte("ad"))
	decrypted, err := opener.Open(nil, msg, time.Now(), 0x42, protocol.KeyPhaseZero, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, []byte("foobar"), decrypted)

	require.False(t, client.ConnectionState().Used0RTT)
	require.False(t, server.ConnectionState().Used0RTT)
}

func TestHandshakeKeyAvailabilityTransitions(t *testing.T) {
	clientConf, serverConf := getTLSConfigs()
	client, server := newCryptoSetupPair(t, clientConf, serverConf, &utils.RTTStats{}, &utils.RTTStats{}, false)

	// before the handshake, only Initial keys are available
	_, err := client.GetInitialSealer()
	require.NoError(t, err)
	_, err = client.GetHandshakeSealer()
	require.Equal(t, ErrKeysNotYetAvailable, err)
	_, err = client.Get1RTTSealer()
	require.Equal(t, ErrKeysNotYetAvailable, err)

	handshake(t, client, server)

	_, err = client.GetHandshakeSealer()
	require.NoError(t, err)
	_, err = client.Get1RTTSealer()
	require.NoError(t, err)

	client.DiscardInitialKeys()
	_, err = client.GetInitialSealer()
	require.Equal(t, ErrKeysDropped, err)
	_, err = client.GetInitialOpener()
	require.Equal(t, ErrKeysDropped, err)

	client.SetHandshakeConfirmed()
	_, err = client.GetHandshakeSealer()
	require.Equal(t, ErrKeysDropped, err)
	_, err = client.GetHandshakeOpener()
	require.Equal(t, ErrKeysDropped, err)
}

func TestHandshakeFailsWithoutCertificateTrust(t *testing.T) {
	clientConf, serverConf := getTLSConfigs()
	clientConf.RootCAs = nil
	clientConf.InsecureSkipVerify = false
	client, server := newCryptoSetupPair(t, clientConf, serverConf, &utils.RTTStats{}, &utils.RTTStats{}, false)

	require.NoError(t, client.StartHandshake(context.Background()))
	require.NoError(t, server.StartHandshake(context.Background()))

	// deliver the ClientHello, then feed the server's flight back to the client
	var clientErr error
	for i := 0; i < 10 && clientErr == nil; i++ {
		var progress bool
		for {
			ev := client.NextEvent()
			if ev.Kind == EventNoEvent {
				break
			}
			progress = true
			switch ev.Kind {
			case EventWriteInitialData:
				require.NoError(t, server.HandleMessage(ev.Data, protocol.EncryptionInitial))
			case EventWriteHandshakeData:
				require.NoError(t, server.HandleMessage(ev.Data, protocol.EncryptionHandshake))
			}
		}
		for clientErr == nil {
			ev := server.NextEvent()
			if ev.Kind == EventNoEvent {
				break
			}
			progress = true
			switch ev.Kind {
			case EventWriteInitialData:
				clientErr = client.HandleMessage(ev.Data, protocol.EncryptionInitial)
			case EventWriteHandshakeData:
				clientErr = client.HandleMessage(ev.Data, protocol.EncryptionHandshake)
			}
		}
		if !progress {
			break
		}
	}
	require.Error(t, clientErr)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, clientErr, &transportErr)
	require.True(t, transportErr.ErrorCode.IsCryptoError())
}

func TestSessionResumptionAnd0RTT(t *testing.T) {
	clientConf, serverConf := getTLSConfigs()
	clientConf.ClientSessionCache = tls.NewLRUClientSessionCache(10)

	clientRTTStats := &utils.RTTStats{}
	clientRTTStats.UpdateRTT(10*time.Millisecond, 0)
	serverRTTStats := &utils.RTTStats{}
	serverRTTStats.UpdateRTT(10*time.Millisecond, 0)

	client, server := newCryptoSetupPair(t, clientConf, serverConf, clientRTTStats, serverRTTStats, true)
	clientRes, _ := handshake(t, client, server)
	require.True(t, clientRes.complete)
	require.Nil(t, clientRes.restored)

	// issue a session ticket and deliver it to the client
	ticket, err := server.GetSessionTicket()
	require.NoError(t, err)
	require.NotEmpty(t, ticket)
	require.NoError(t, client.HandleMessage(ticket, protocol.Encryption1RTT))

	// the second connection resumes the session and uses 0-RTT
	client2, server2 := newCryptoSetupPair(t, clientConf, serverConf, &utils.RTTStats{}, &utils.RTTStats{}, true)
	require.NoError(t, client2.StartHandshake(context.Background()))
	require.NoError(t, server2.StartHandshake(context.Background()))

	// 0-RTT keys are available immediately after sending the ClientHello
	zeroRTTSealer, err := client2.Get0RTTSealer()
	require.NoError(t, err)

	var client2Res, server2Res handshakeResult
	for i := 0; i < 10 && !(client2Res.complete && server2Res.complete); i++ {
		drainEvents(t, client2, server2, &client2Res)
		drainEvents(t, server2, client2, &server2Res)
	}
	require.True(t, client2Res.complete)
	require.True(t, server2Res.complete)
	require.NotNil(t, client2Res.restored)
	require.EqualValues(t, 5, client2Res.restored.ActiveConnectionIDLimit)

	// the server can open 0-RTT data
	zeroRTTOpener, err := server2.Get0RTTOpener()
	require.NoError(t, err)
	msg := zeroRTTSealer.Seal(nil, []byte("early data"), 0x17, []byte("ad"))
	decrypted, err := zeroRTTOpener.Open(nil, msg, 0x17, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, []byte("early data"), decrypted)

	require.True(t, server2.ConnectionState().Used0RTT)
	// once 1-RTT keys are available, the client drops the 0-RTT keys
	require.True(t, client2Res.discard0RTT)
	_, err = client2.Get0RTTSealer()
	require.Equal(t, ErrKeysDropped, err)
}
