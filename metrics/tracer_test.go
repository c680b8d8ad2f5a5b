package metrics

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/wire"
	"github.com/quic-dev/quix/logging"

	"github.com/stretchr/testify/require"
)

func TestEndpointTracer(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracer := NewTracerWithRegisterer(reg)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}

	tracer.SentVersionNegotiationPacket(addr, protocol.ArbitraryLenConnectionID{1, 2}, protocol.ArbitraryLenConnectionID{3, 4}, []logging.Version{1})
	tracer.SentVersionNegotiationPacket(addr, protocol.ArbitraryLenConnectionID{1, 2}, protocol.ArbitraryLenConnectionID{3, 4}, []logging.Version{1})
	require.Equal(t, float64(2), testutil.ToFloat64(versionNegotiationSent))

	tracer.SentPacket(addr, &wire.Header{Type: protocol.PacketTypeRetry, Version: protocol.Version1}, 123, nil)
	require.Equal(t, float64(1), testutil.ToFloat64(packetsSent.WithLabelValues("retry")))

	tracer.DroppedPacket(addr, logging.PacketTypeInitial, 1200, logging.PacketDropDOSPrevention)
	require.Equal(t, float64(1), testutil.ToFloat64(packetsDropped.WithLabelValues("dos_prevention")))
}

func TestConnectionTracerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracer := NewConnectionTracerWithRegisterer(reg, logging.PerspectiveServer)
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4321}

	tracer.StartedConnection(local, remote, protocol.ParseConnectionID([]byte{1, 2, 3, 4}), protocol.ParseConnectionID([]byte{5, 6, 7, 8}))
	require.Equal(t, float64(1), testutil.ToFloat64(connsStarted.WithLabelValues("server")))

	tracer.ClosedConnection(&qerr.IdleTimeoutError{})
	require.Equal(t, float64(1), testutil.ToFloat64(connsClosed.WithLabelValues("server", "idle_timeout")))

	tracer.LostPacket(protocol.Encryption1RTT, 42, logging.PacketLossTimeThreshold)
	require.Equal(t, float64(1), testutil.ToFloat64(packetsLost.WithLabelValues("time_threshold")))
}
