package wire

import (
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"

	"github.com/stretchr/testify/require"
)

func TestFrameParserReturnsNilWhenNothingToParse(t *testing.T) {
	parser := NewFrameParser()
	l, f, err := parser.ParseNext(nil, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	require.Zero(t, l)
	require.Nil(t, f)
}

func TestFrameParserSkipsPadding(t *testing.T) {
	parser := NewFrameParser()
	b := []byte{0, 0} // 2 PADDING frames
	b, err := (&PingFrame{}).Append(b, protocol.Version1)
	require.NoError(t, err)
	l, f, err := parser.ParseNext(b, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, &PingFrame{}, f)
	require.Equal(t, 2+1, l)
}

func TestFrameParserParsesSingleFrame(t *testing.T) {
	parser := NewFrameParser()
	var b []byte
	for i := 0; i < 10; i++ {
		var err error
		b, err = (&PingFrame{}).Append(b, protocol.Version1)
		require.NoError(t, err)
	}
	l, f, err := parser.ParseNext(b, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	require.IsType(t, &PingFrame{}, f)
	require.Equal(t, 1, l)
}

func TestFrameParserUnpacksAckFrames(t *testing.T) {
	parser := NewFrameParser()
	f := &AckFrame{AckRanges: []AckRange{{Smallest: 1, Largest: 0x13}}}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	l, frame, err := parser.ParseNext(b, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(b), l)
	require.NotNil(t, frame)
	ack, ok := frame.(*AckFrame)
	require.True(t, ok)
	require.Equal(t, protocol.PacketNumber(0x13), ack.LargestAcked())
}

func TestFrameParserUsesCustomAckDelayExponentFor1RTT(t *testing.T) {
	parser := NewFrameParser()
	parser.SetAckDelayExponent(protocol.DefaultAckDelayExponent + 2)
	f := &AckFrame{
		AckRanges: []AckRange{{Smallest: 1, Largest: 1}},
		DelayTime: time.Second,
	}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	_, frame, err := parser.ParseNext(b, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	// The ACK frame is always written using the default ack delay exponent.
	// That's why we expect a different value when parsing.
	require.Equal(t, 4*time.Second, frame.(*AckFrame).DelayTime)
}

func TestFrameParserUsesDefaultAckDelayExponentBeforeHandshakeCompletion(t *testing.T) {
	parser := NewFrameParser()
	parser.SetAckDelayExponent(protocol.DefaultAckDelayExponent + 2)
	f := &AckFrame{
		AckRanges: []AckRange{{Smallest: 1, Largest: 1}},
		DelayTime: time.Second,
	}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	_, frame, err := parser.ParseNext(b, protocol.EncryptionHandshake, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, time.Second, frame.(*AckFrame).DelayTime)
}

func TestFrameParserStreamFrames(t *testing.T) {
	parser := NewFrameParser()
	f := &StreamFrame{
		StreamID: 0x42,
		Offset:   0x1337,
		Fin:      true,
		Data:     []byte("foobar"),
	}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	l, frame, err := parser.ParseNext(b, protocol.Encryption1RTT, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, len(b), l)
	require.Equal(t, f, frame)
}

func TestFrameParserFrames(t *testing.T) {
	for _, tc := range []struct {
		name  string
		frame Frame
	}{
		{name: "RESET_STREAM", frame: &ResetStreamFrame{StreamID: 0x1337, ErrorCode: 0x42, FinalSize: 0xdeadbeef}},
		{name: "STOP_SENDING", frame: &StopSendingFrame{StreamID: 0x42, ErrorCode: 0x1337}},
		{name: "CRYPTO", frame: &CryptoFrame{Offset: 0x1337, Data: []byte("lorem ipsum")}},
		{name: "NEW_TOKEN", frame: &NewTokenFrame{Token: []byte("foobar")}},
		{name: "MAX_DATA", frame: &MaxDataFrame{MaximumData: 0xcafe}},
		{name: "MAX_STREAM_DATA", frame: &MaxStreamDataFrame{StreamID: 0xdeadbeef, MaximumStreamData: 0xdecafbad}},
		{name: "MAX_STREAMS", frame: &MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: 0x1337}},
		{name: "DATA_BLOCKED", frame: &DataBlockedFrame{MaximumData: 0x1234}},
		{name: "STREAM_DATA_BLOCKED", frame: &StreamDataBlockedFrame{StreamID: 0xdeadbeef, MaximumStreamData: 0xdead}},
		{name: "STREAMS_BLOCKED", frame: &StreamsBlockedFrame{Type: protocol.StreamTypeBidi, StreamLimit: 0x1234567}},
		{name: "NEW_CONNECTION_ID", frame: &NewConnectionIDFrame{
			SequenceNumber:      0x1337,
			ConnectionID:        protocol.ParseConnectionID([]byte{1, 2, 3, 4}),
			StatelessResetToken: protocol.StatelessResetToken{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		}},
		{name: "RETIRE_CONNECTION_ID", frame: &RetireConnectionIDFrame{SequenceNumber: 0x1337}},
		{name: "PATH_CHALLENGE", frame: &PathChallengeFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{name: "PATH_RESPONSE", frame: &PathResponseFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{name: "CONNECTION_CLOSE", frame: &ConnectionCloseFrame{IsApplicationError: true, ReasonPhrase: "foobar"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			parser := NewFrameParser()
			b, err := tc.frame.Append(nil, protocol.Version1)
			require.NoError(t, err)
			l, frame, err := parser.ParseNext(b, protocol.Encryption1RTT, protocol.Version1)
			require.NoError(t, err)
			require.Equal(t, len(b), l)
			require.Equal(t, tc.frame, frame)
		})
	}
}

func TestFrameParserErrorsOnInvalidType(t *testing.T) {
	parser := NewFrameParser()
	_, _, err := parser.ParseNext(encodeVarInt(0x42), protocol.Encryption1RTT, protocol.Version1)
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.FrameEncodingError, transportErr.ErrorCode)
	require.Equal(t, uint64(0x42), transportErr.FrameType)
}

func TestFrameParserErrorsOnInvalidFrames(t *testing.T) {
	parser := NewFrameParser()
	f := &MaxStreamDataFrame{
		StreamID:          0x1337,
		MaximumStreamData: 0xdeadbeef,
	}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	_, _, err = parser.ParseNext(b[:len(b)-2], protocol.Encryption1RTT, protocol.Version1)
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.FrameEncodingError, transportErr.ErrorCode)
}

func TestFrameAllowedAtEncLevel(t *testing.T) {
	for _, tc := range []struct {
		name     string
		frame    Frame
		encLevel protocol.EncryptionLevel
		allowed  bool
	}{
		{name: "CRYPTO in Initial", frame: &CryptoFrame{}, encLevel: protocol.EncryptionInitial, allowed: true},
		{name: "ACK in Initial", frame: &AckFrame{AckRanges: []AckRange{{Smallest: 1, Largest: 1}}}, encLevel: protocol.EncryptionInitial, allowed: true},
		{name: "STREAM in Initial", frame: &StreamFrame{StreamID: 1, Data: []byte("foo")}, encLevel: protocol.EncryptionInitial, allowed: false},
		{name: "MAX_DATA in Handshake", frame: &MaxDataFrame{MaximumData: 1}, encLevel: protocol.EncryptionHandshake, allowed: false},
		{name: "PING in Handshake", frame: &PingFrame{}, encLevel: protocol.EncryptionHandshake, allowed: true},
		{name: "CONNECTION_CLOSE in Handshake", frame: &ConnectionCloseFrame{ReasonPhrase: "foo"}, encLevel: protocol.EncryptionHandshake, allowed: true},
		{name: "ACK in 0-RTT", frame: &AckFrame{AckRanges: []AckRange{{Smallest: 1, Largest: 1}}}, encLevel: protocol.Encryption0RTT, allowed: false},
		{name: "STREAM in 0-RTT", frame: &StreamFrame{StreamID: 1, Data: []byte("foo")}, encLevel: protocol.Encryption0RTT, allowed: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			parser := NewFrameParser()
			b, err := tc.frame.Append(nil, protocol.Version1)
			require.NoError(t, err)
			_, _, err = parser.ParseNext(b, tc.encLevel, protocol.Version1)
			if tc.allowed {
				require.NoError(t, err)
			} else {
				var transportErr *qerr.TransportError
				require.ErrorAs(t, err, &transportErr)
				require.Equal(t, qerr.FrameEncodingError, transportErr.ErrorCode)
			}
		})
	}
}
