package qlog

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"time"

	"testing"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/utils"
	"github.com/quic-dev/quix/internal/wire"
	"github.com/quic-dev/quix/logging"

	"github.com/stretchr/testify/require"
)

type nopWriteCloserImpl struct{ io.Writer }

func (nopWriteCloserImpl) Close() error { return nil }

func nopWriteCloser(w io.Writer) io.WriteCloser {
	return &nopWriteCloserImpl{Writer: w}
}

type entry struct {
	Time  time.Time
	Name  string
	Event map[string]interface{}
}

func exportAndParse(t *testing.T, buf *bytes.Buffer, tracer *logging.ConnectionTracer) (firstLine map[string]interface{}, entries []entry) {
	tracer.Close()

	lines := bytes.Split(buf.Bytes(), []byte{'\n'})
	require.NotEmpty(t, lines)

	require.NoError(t, json.Unmarshal(lines[0], &firstLine))
	require.Equal(t, "NDJSON", firstLine["qlog_format"])
	require.Equal(t, "draft-02", firstLine["qlog_version"])
	require.Contains(t, firstLine, "trace")
	trace := firstLine["trace"].(map[string]interface{})
	require.Contains(t, trace, "common_fields")
	commonFields := trace["common_fields"].(map[string]interface{})
	require.Equal(t, "deadbeef", commonFields["ODCID"])
	require.Equal(t, "deadbeef", commonFields["group_id"])
	require.Contains(t, commonFields, "reference_time")
	referenceTime := time.Unix(0, int64(commonFields["reference_time"].(float64)*1e6))
	require.WithinDuration(t, time.Now(), referenceTime, 10*time.Second)
	require.Equal(t, "relative", commonFields["time_format"])
	require.Contains(t, trace, "vantage_point")
	vantagePoint := trace["vantage_point"].(map[string]interface{})
	require.Equal(t, "server", vantagePoint["type"])

	for _, l := range lines[1:] {
		if len(l) == 0 {
			continue
		}
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(l, &ev))
		require.Contains(t, ev, "time")
		require.Contains(t, ev, "name")
		require.Contains(t, ev, "data")
		entries = append(entries, entry{
			Time:  referenceTime.Add(time.Duration(ev["time"].(float64)*1e6) * time.Nanosecond),
			Name:  ev["name"].(string),
			Event: ev["data"].(map[string]interface{}),
		})
	}
	return firstLine, entries
}

func newTestConnectionTracer(t *testing.T) (*bytes.Buffer, *logging.ConnectionTracer) {
	buf := &bytes.Buffer{}
	tracer := NewConnectionTracer(
		nopWriteCloser(buf),
		protocol.PerspectiveServer,
		protocol.ParseConnectionID([]byte{0xde, 0xad, 0xbe, 0xef}),
	)
	return buf, tracer
}

func TestConnectionStarted(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.StartedConnection(
		&net.UDPAddr{IP: net.IPv4(192, 168, 13, 37), Port: 42},
		&net.UDPAddr{IP: net.IPv4(192, 168, 12, 34), Port: 24},
		protocol.ParseConnectionID([]byte{1, 2, 3, 4}),
		protocol.ParseConnectionID([]byte{5, 6, 7, 8}),
	)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.WithinDuration(t, time.Now(), e.Time, 10*time.Second)
	require.Equal(t, "transport:connection_started", e.Name)
	require.Equal(t, "ipv4", e.Event["ip_version"])
	require.Equal(t, "192.168.13.37", e.Event["src_ip"])
	require.Equal(t, float64(42), e.Event["src_port"])
	require.Equal(t, "192.168.12.34", e.Event["dst_ip"])
	require.Equal(t, float64(24), e.Event["dst_port"])
	require.Equal(t, "01020304", e.Event["src_cid"])
	require.Equal(t, "05060708", e.Event["dst_cid"])
}

func TestVersionNegotiated(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.NegotiatedVersion(0x1337, nil, nil)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:version_information", e.Name)
	require.Len(t, e.Event, 1)
	require.Equal(t, "1337", e.Event["chosen_version"])
}

func TestVersionNegotiatedWithPriorAttempts(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.NegotiatedVersion(0x1337, []logging.Version{1, 2, 3}, []logging.Version{4, 5, 6})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Len(t, e.Event, 3)
	require.Equal(t, "1337", e.Event["chosen_version"])
	require.Equal(t, []interface{}{"1", "2", "3"}, e.Event["client_versions"])
	require.Equal(t, []interface{}{"4", "5", "6"}, e.Event["server_versions"])
}

func TestIdleTimeouts(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ClosedConnection(&qerr.IdleTimeoutError{})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:connection_closed", e.Name)
	require.Len(t, e.Event, 2)
	require.Equal(t, "local", e.Event["owner"])
	require.Equal(t, "idle_timeout", e.Event["trigger"])
}

func TestReceivedStatelessResetPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ClosedConnection(&qerr.StatelessResetError{})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:connection_closed", e.Name)
	require.Equal(t, "remote", e.Event["owner"])
	require.Equal(t, "stateless_reset", e.Event["trigger"])
}

func TestTransportErrors(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ClosedConnection(&qerr.TransportError{
		ErrorCode:    qerr.AEADLimitReached,
		ErrorMessage: "foobar",
	})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:connection_closed", e.Name)
	require.Equal(t, "local", e.Event["owner"])
	require.Equal(t, "aead_limit_reached", e.Event["connection_code"])
	require.Equal(t, "foobar", e.Event["reason"])
}

func TestApplicationErrors(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ClosedConnection(&qerr.ApplicationError{
		Remote:       true,
		ErrorCode:    1337,
		ErrorMessage: "foobar",
	})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:connection_closed", e.Name)
	require.Equal(t, "remote", e.Event["owner"])
	require.Equal(t, float64(1337), e.Event["application_code"])
	require.Equal(t, "foobar", e.Event["reason"])
}

func TestSentTransportParameters(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	rcid := protocol.ParseConnectionID([]byte{0xde, 0xad, 0xc0, 0xde})
	tracer.SentTransportParameters(&logging.TransportParameters{
		InitialMaxStreamDataBidiLocal:  1000,
		InitialMaxStreamDataBidiRemote: 2000,
		InitialMaxStreamDataUni:        3000,
		InitialMaxData:                 4000,
		MaxBidiStreamNum:               10,
		MaxUniStreamNum:                20,
		MaxAckDelay:                    123 * time.Millisecond,
		AckDelayExponent:               12,
		DisableActiveMigration:         true,
		MaxPacketSize:                  1234,
		MaxIdleTimeout:                 321 * time.Millisecond,
		StatelessResetToken:            &protocol.StatelessResetToken{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00},
		OriginalConnectionID:           rcid,
		ActiveConnectionIDLimit:        7,
	})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:parameters_set", e.Name)
	require.Equal(t, "local", e.Event["owner"])
	require.Equal(t, "deadc0de", e.Event["original_connection_id"])
	require.Equal(t, "112233445566778899aabbccddeeff00", e.Event["stateless_reset_token"])
	require.Equal(t, float64(123), e.Event["max_ack_delay"])
	require.Equal(t, float64(12), e.Event["ack_delay_exponent"])
	require.Equal(t, true, e.Event["disable_active_migration"])
	require.Equal(t, float64(1234), e.Event["max_udp_payload_size"])
	require.Equal(t, float64(321), e.Event["max_idle_timeout"])
	require.Equal(t, float64(7), e.Event["active_connection_id_limit"])
	require.Equal(t, float64(1000), e.Event["initial_max_stream_data_bidi_local"])
	require.Equal(t, float64(2000), e.Event["initial_max_stream_data_bidi_remote"])
	require.Equal(t, float64(3000), e.Event["initial_max_stream_data_uni"])
	require.Equal(t, float64(4000), e.Event["initial_max_data"])
	require.Equal(t, float64(10), e.Event["initial_max_streams_bidi"])
	require.Equal(t, float64(20), e.Event["initial_max_streams_uni"])
}

func TestReceivedTransportParameters(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ReceivedTransportParameters(&logging.TransportParameters{})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:parameters_set", e.Name)
	require.Equal(t, "remote", e.Event["owner"])
	require.NotContains(t, e.Event, "original_connection_id")
}

func TestSentLongHeaderPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.SentLongHeaderPacket(
		&logging.ExtendedHeader{
			Header: logging.Header{
				Type:             protocol.PacketTypeHandshake,
				DestConnectionID: protocol.ParseConnectionID([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
				SrcConnectionID:  protocol.ParseConnectionID([]byte{4, 3, 2, 1}),
				Length:           1337,
				Version:          protocol.Version1,
			},
			PacketNumber: 1337,
		},
		987,
		logging.ECNCE,
		nil,
		[]logging.Frame{
			&logging.MaxStreamDataFrame{StreamID: 42, MaximumStreamData: 987},
			&logging.StreamFrame{StreamID: 123, Offset: 1234, Length: 6, Fin: true},
		},
	)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:packet_sent", e.Name)
	raw := e.Event["raw"].(map[string]interface{})
	require.Equal(t, float64(987), raw["length"])
	require.Equal(t, float64(1337), raw["payload_length"])
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "handshake", hdr["packet_type"])
	require.Equal(t, float64(1337), hdr["packet_number"])
	require.Equal(t, "04030201", hdr["scid"])
	require.Equal(t, "CE", e.Event["ecn"])
	frames := e.Event["frames"].([]interface{})
	require.Len(t, frames, 2)
	require.Equal(t, "max_stream_data", frames[0].(map[string]interface{})["frame_type"])
	require.Equal(t, "stream", frames[1].(map[string]interface{})["frame_type"])
}

func TestSentShortHeaderPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.SentShortHeaderPacket(
		&logging.ShortHeader{
			DestConnectionID: protocol.ParseConnectionID([]byte{1, 2, 3, 4}),
			PacketNumber:     1337,
			KeyPhase:         protocol.KeyPhaseOne,
		},
		123,
		logging.ECNUnsupported,
		&logging.AckFrame{AckRanges: []wire.AckRange{{Smallest: 1, Largest: 10}}},
		[]logging.Frame{&logging.MaxDataFrame{MaximumData: 987}},
	)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	raw := e.Event["raw"].(map[string]interface{})
	require.Equal(t, float64(123), raw["length"])
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "1RTT", hdr["packet_type"])
	require.Equal(t, float64(1337), hdr["packet_number"])
	require.Equal(t, "1", hdr["key_phase_bit"])
	require.NotContains(t, e.Event, "ecn")
	frames := e.Event["frames"].([]interface{})
	require.Len(t, frames, 2)
	require.Equal(t, "ack", frames[0].(map[string]interface{})["frame_type"])
	require.Equal(t, "max_data", frames[1].(map[string]interface{})["frame_type"])
}

func TestReceivedRetry(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ReceivedRetry(&logging.Header{
		Type:             protocol.PacketTypeRetry,
		DestConnectionID: protocol.ParseConnectionID([]byte{1, 2, 3, 4}),
		SrcConnectionID:  protocol.ParseConnectionID([]byte{4, 3, 2, 1}),
		Version:          protocol.Version1,
	})

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:packet_received", e.Name)
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "retry", hdr["packet_type"])
	require.NotContains(t, hdr, "packet_number")
	require.Equal(t, "1", hdr["version"])
	require.Equal(t, "01020304", hdr["dcid"])
	require.Equal(t, "04030201", hdr["scid"])
}

func TestReceivedVersionNegotiationPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ReceivedVersionNegotiationPacket(
		protocol.ArbitraryLenConnectionID{1, 2, 3, 4},
		protocol.ArbitraryLenConnectionID{4, 3, 2, 1},
		[]logging.Version{0xdeadbeef, 0xdecafbad},
	)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:packet_received", e.Name)
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "version_negotiation", hdr["packet_type"])
	require.NotContains(t, hdr, "packet_number")
	require.Equal(t, "01020304", hdr["dcid"])
	require.Equal(t, "04030201", hdr["scid"])
	require.Equal(t, []interface{}{"deadbeef", "decafbad"}, e.Event["supported_versions"])
}

func TestBufferedPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.BufferedPacket(logging.PacketTypeHandshake, 1337)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:packet_buffered", e.Name)
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "handshake", hdr["packet_type"])
	raw := e.Event["raw"].(map[string]interface{})
	require.Equal(t, float64(1337), raw["length"])
	require.Equal(t, "keys_unavailable", e.Event["trigger"])
}

func TestDroppedPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.DroppedPacket(logging.PacketTypeRetry, protocol.InvalidPacketNumber, 1337, logging.PacketDropPayloadDecryptError)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:packet_dropped", e.Name)
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "retry", hdr["packet_type"])
	raw := e.Event["raw"].(map[string]interface{})
	require.Equal(t, float64(1337), raw["length"])
	require.Equal(t, "payload_decrypt_error", e.Event["trigger"])
}

func TestUpdatedMetrics(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	var rttStats utils.RTTStats
	rttStats.UpdateRTT(15*time.Millisecond, 0)
	tracer.UpdatedMetrics(&rttStats, 4321, 1234, 42)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:metrics_updated", e.Name)
	require.Equal(t, float64(15), e.Event["min_rtt"])
	require.Equal(t, float64(15), e.Event["latest_rtt"])
	require.Contains(t, e.Event, "smoothed_rtt")
	require.Contains(t, e.Event, "rtt_variance")
	require.Equal(t, float64(4321), e.Event["congestion_window"])
	require.Equal(t, float64(1234), e.Event["bytes_in_flight"])
	require.Equal(t, float64(42), e.Event["packets_in_flight"])
}

func TestOnlyChangedMetrics(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	var rttStats utils.RTTStats
	rttStats.UpdateRTT(15*time.Millisecond, 0)
	tracer.UpdatedMetrics(&rttStats, 4321, 1234, 42)
	// only the bytes in flight changed
	tracer.UpdatedMetrics(&rttStats, 4321, 12345, 42)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 2)
	e := entries[1]
	require.Len(t, e.Event, 1)
	require.Equal(t, float64(12345), e.Event["bytes_in_flight"])
}

func TestLostPacket(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.LostPacket(protocol.EncryptionHandshake, 42, logging.PacketLossReorderingThreshold)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:packet_lost", e.Name)
	hdr := e.Event["header"].(map[string]interface{})
	require.Equal(t, "handshake", hdr["packet_type"])
	require.Equal(t, float64(42), hdr["packet_number"])
	require.Equal(t, "reordering_threshold", e.Event["trigger"])
}

func TestCongestionStateUpdates(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.UpdatedCongestionState(logging.CongestionStateCongestionAvoidance)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:congestion_state_updated", e.Name)
	require.Equal(t, "congestion_avoidance", e.Event["new"])
}

func TestPTOChanges(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.UpdatedPTOCount(42)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:metrics_updated", e.Name)
	require.Equal(t, float64(42), e.Event["pto_count"])
}

func TestTLSKeyUpdates(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.UpdatedKeyFromTLS(protocol.EncryptionHandshake, protocol.PerspectiveClient)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "security:key_updated", e.Name)
	require.Equal(t, "client_handshake_secret", e.Event["key_type"])
	require.Equal(t, "tls", e.Event["trigger"])
	require.NotContains(t, e.Event, "generation")
}

func TestQUICKeyUpdates(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.UpdatedKey(1337, true)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 2)
	var keyTypes []string
	for _, e := range entries {
		require.Equal(t, "security:key_updated", e.Name)
		require.Equal(t, float64(1337), e.Event["generation"])
		require.Equal(t, "remote_update", e.Event["trigger"])
		keyTypes = append(keyTypes, e.Event["key_type"].(string))
	}
	require.Contains(t, keyTypes, "server_1rtt_secret")
	require.Contains(t, keyTypes, "client_1rtt_secret")
}

func TestDroppedEncryptionLevels(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.DroppedEncryptionLevel(protocol.EncryptionInitial)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 2)
	var keyTypes []string
	for _, e := range entries {
		require.Equal(t, "security:key_discarded", e.Name)
		require.Equal(t, "tls", e.Event["trigger"])
		keyTypes = append(keyTypes, e.Event["key_type"].(string))
	}
	require.Contains(t, keyTypes, "server_initial_secret")
	require.Contains(t, keyTypes, "client_initial_secret")
}

func TestDropped0RTTKeys(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.DroppedEncryptionLevel(protocol.Encryption0RTT)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "security:key_discarded", e.Name)
	require.Equal(t, "server_0rtt_secret", e.Event["key_type"])
}

func TestLossTimerUpdates(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	timeout := time.Now().Add(137 * time.Millisecond)
	tracer.SetLossTimer(logging.TimerTypePTO, protocol.EncryptionHandshake, timeout)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:loss_timer_updated", e.Name)
	require.Equal(t, "set", e.Event["event_type"])
	require.Equal(t, "pto", e.Event["timer_type"])
	require.Equal(t, "handshake", e.Event["packet_number_space"])
	require.Contains(t, e.Event, "delta")
}

func TestLossTimerExpired(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.LossTimerExpired(logging.TimerTypeACK, protocol.Encryption1RTT)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:loss_timer_updated", e.Name)
	require.Equal(t, "expired", e.Event["event_type"])
	require.Equal(t, "ack", e.Event["timer_type"])
	require.Equal(t, "application_data", e.Event["packet_number_space"])
}

func TestLossTimerCanceled(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.LossTimerCanceled()

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:loss_timer_updated", e.Name)
	require.Len(t, e.Event, 1)
	require.Equal(t, "cancelled", e.Event["event_type"])
}

func TestECNStateUpdates(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.ECNStateUpdated(logging.ECNStateFailed, logging.ECNFailedNoECNCounts)

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "recovery:ecn_state_updated", e.Name)
	require.Equal(t, "failed", e.Event["new"])
	require.Equal(t, "ACK doesn't contain ECN marks", e.Event["trigger"])
}

func TestGenericEvents(t *testing.T) {
	buf, tracer := newTestConnectionTracer(t)
	tracer.Debug("foo", "bar")

	_, entries := exportAndParse(t, buf, tracer)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "transport:foo", e.Name)
	require.Len(t, e.Event, 1)
	require.Equal(t, "bar", e.Event["details"])
}
