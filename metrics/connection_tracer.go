package metrics

import (
	"errors"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/logging"
)

var (
	registerConnectionOnce sync.Once

	connsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_started_total",
			Help:      "Connections started",
		},
		[]string{"perspective"},
	)
	connsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections closed, by close reason",
		},
		[]string{"perspective", "reason"},
	)
	packetsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "packets_lost_total",
			Help:      "Packets declared lost",
		},
		[]string{"reason"},
	)
	connPacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connection_packets_dropped_total",
			Help:      "Packets dropped on established connections",
		},
		[]string{"reason"},
	)
)

// NewConnectionTracer creates a connection tracer using the default Prometheus registerer.
func NewConnectionTracer(p logging.Perspective) *logging.ConnectionTracer {
	return NewConnectionTracerWithRegisterer(prometheus.DefaultRegisterer, p)
}

// NewConnectionTracerWithRegisterer creates a connection tracer using a custom Prometheus registerer.
func NewConnectionTracerWithRegisterer(registerer prometheus.Registerer, p logging.Perspective) *logging.ConnectionTracer {
	registerConnectionOnce.Do(func() {
		registerer.MustRegister(connsStarted)
		registerer.MustRegister(connsClosed)
		registerer.MustRegister(packetsLost)
		registerer.MustRegister(connPacketsDropped)
	})
	perspective := "client"
	if p == logging.PerspectiveServer {
		perspective = "server"
	}
	return &logging.ConnectionTracer{
		StartedConnection: func(_, _ net.Addr, _, _ logging.ConnectionID) {
			connsStarted.WithLabelValues(perspective).Inc()
		},
		ClosedConnection: func(e error) {
			connsClosed.WithLabelValues(perspective, closeReason(e)).Inc()
		},
		LostPacket: func(_ logging.EncryptionLevel, _ logging.PacketNumber, reason logging.PacketLossReason) {
			switch reason {
			case logging.PacketLossReorderingThreshold:
				packetsLost.WithLabelValues("reordering_threshold").Inc()
			case logging.PacketLossTimeThreshold:
				packetsLost.WithLabelValues("time_threshold").Inc()
			}
		},
		DroppedPacket: func(_ logging.PacketType, _ logging.PacketNumber, _ logging.ByteCount, reason logging.PacketDropReason) {
			connPacketsDropped.WithLabelValues(dropReasonName(reason)).Inc()
		},
	}
}

func closeReason(e error) string {
	var (
		statelessResetErr   *qerr.StatelessResetError
		handshakeTimeoutErr *qerr.HandshakeTimeoutError
		idleTimeoutErr      *qerr.IdleTimeoutError
		applicationErr      *qerr.ApplicationError
		transportErr        *qerr.TransportError
		versionNegErr       *qerr.VersionNegotiationError
	)
	switch {
	case errors.As(e, &statelessResetErr):
		return "stateless_reset"
	case errors.As(e, &handshakeTimeoutErr):
		return "handshake_timeout"
	case errors.As(e, &idleTimeoutErr):
		return "idle_timeout"
	case errors.As(e, &applicationErr):
		return "application_error"
	case errors.As(e, &transportErr):
		return "transport_error"
	case errors.As(e, &versionNegErr):
		return "version_mismatch"
	default:
		return "unknown"
	}
}
