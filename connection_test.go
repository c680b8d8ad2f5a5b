package quic

import (
	"net"
	"testing"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestConnectionMigrationTrigger(t *testing.T) {
	oldPath := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1234}
	newPath := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 1234}
	s := &connection{
		perspective:       protocol.PerspectiveServer,
		peerAddr:          oldPath,
		largest1RTTPacket: protocol.InvalidPacketNumber,
	}

	// a non-probing packet from a new address starts migration
	require.True(t, s.startsMigration(true, 10, newPath))
	// packets from the current address don't
	require.False(t, s.startsMigration(true, 10, oldPath))
	// probing packets don't
	require.False(t, s.startsMigration(false, 10, newPath))

	// after processing packet 10 on the current path, a reordered packet with a
	// lower packet number arriving from another address must not trigger migration
	s.largest1RTTPacket = 10
	require.False(t, s.startsMigration(true, 9, newPath))
	require.False(t, s.startsMigration(true, 10, newPath))
	// a higher packet number from the new address does
	require.True(t, s.startsMigration(true, 11, newPath))
}

func TestConnectionMigrationTriggerClient(t *testing.T) {
	s := &connection{
		perspective:       protocol.PerspectiveClient,
		peerAddr:          &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1234},
		largest1RTTPacket: protocol.InvalidPacketNumber,
	}
	// clients keep sending to the server's address
	require.False(t, s.startsMigration(true, 1, &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 1234}))
}
