// Package metrics exposes Prometheus counters for QUIC endpoints and connections.
// Tracers created here are meant to be combined with other tracers using
// logging.NewMultiplexedTracer and logging.NewMultiplexedConnectionTracer.
package metrics

import (
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/wire"
	"github.com/quic-dev/quix/logging"
)

const metricNamespace = "quix"

var (
	registerEndpointOnce sync.Once

	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "server_packets_sent_total",
			Help:      "Packets sent by the server before a connection was established",
		},
		[]string{"packet_type"},
	)
	versionNegotiationSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "server_version_negotiation_packets_sent_total",
			Help:      "Version Negotiation packets sent",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "server_packets_dropped_total",
			Help:      "Packets dropped before being associated with a connection",
		},
		[]string{"reason"},
	)
)

// NewTracer creates an endpoint-level tracer using the default Prometheus registerer.
func NewTracer() *logging.Tracer {
	return NewTracerWithRegisterer(prometheus.DefaultRegisterer)
}

// NewTracerWithRegisterer creates an endpoint-level tracer using a custom Prometheus registerer.
func NewTracerWithRegisterer(registerer prometheus.Registerer) *logging.Tracer {
	registerEndpointOnce.Do(func() {
		registerer.MustRegister(packetsSent)
		registerer.MustRegister(versionNegotiationSent)
		registerer.MustRegister(packetsDropped)
	})
	return &logging.Tracer{
		SentPacket: func(_ net.Addr, hdr *wire.Header, _ logging.ByteCount, _ []logging.Frame) {
			packetsSent.WithLabelValues(packetTypeName(hdr)).Inc()
		},
		SentVersionNegotiationPacket: func(_ net.Addr, _, _ logging.ArbitraryLenConnectionID, _ []logging.Version) {
			versionNegotiationSent.Inc()
		},
		DroppedPacket: func(_ net.Addr, _ logging.PacketType, _ logging.ByteCount, reason logging.PacketDropReason) {
			packetsDropped.WithLabelValues(dropReasonName(reason)).Inc()
		},
	}
}

func packetTypeName(hdr *wire.Header) string {
	if hdr.Version == 0 {
		return "version_negotiation"
	}
	switch hdr.Type {
	case protocol.PacketTypeInitial:
		return "initial"
	case protocol.PacketType0RTT:
		return "0rtt"
	case protocol.PacketTypeHandshake:
		return "handshake"
	case protocol.PacketTypeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

func dropReasonName(reason logging.PacketDropReason) string {
	switch reason {
	case logging.PacketDropKeyUnavailable:
		return "key_unavailable"
	case logging.PacketDropUnknownConnectionID:
		return "unknown_connection_id"
	case logging.PacketDropHeaderParseError:
		return "header_parse_error"
	case logging.PacketDropPayloadDecryptError:
		return "payload_decrypt_error"
	case logging.PacketDropProtocolViolation:
		return "protocol_violation"
	case logging.PacketDropDOSPrevention:
		return "dos_prevention"
	case logging.PacketDropUnsupportedVersion:
		return "unsupported_version"
	case logging.PacketDropUnexpectedPacket:
		return "unexpected_packet"
	case logging.PacketDropUnexpectedSourceConnectionID:
		return "unexpected_source_connection_id"
	case logging.PacketDropUnexpectedVersion:
		return "unexpected_version"
	case logging.PacketDropDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}
