// Package logging defines a logging interface for quic-go.
// This package should not be considered stable
package logging

import (
	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/utils"
	"github.com/quic-dev/quix/internal/wire"
)

type (
	// A Header is a QUIC packet header.
	Header = wire.Header
	// An ExtendedHeader is a QUIC Long Header packet header, including the packet number.
	ExtendedHeader = wire.ExtendedHeader
	// The TransportParameters are QUIC transport parameters.
	TransportParameters = wire.TransportParameters
	// The PreferredAddress is the preferred address sent in the transport parameters.
	PreferredAddress = wire.PreferredAddress

	// A TransportErrorCode is a transport-level error code.
	TransportErrorCode = qerr.TransportErrorCode
	// An ApplicationErrorCode is an application-defined error code.
	ApplicationErrorCode = qerr.ApplicationErrorCode

	// The RTTStats contain statistics used by the congestion controller.
	RTTStats = utils.RTTStats
)

type (
	// A Frame is a QUIC frame
	Frame = any
	// An AckFrame is an ACK frame.
	AckFrame = wire.AckFrame
	// An AckRange is an ACK range in an ACK frame.
	AckRange = wire.AckRange
	// A ConnectionCloseFrame is a CONNECTION_CLOSE frame.
	ConnectionCloseFrame = wire.ConnectionCloseFrame
	// A CryptoFrame is a CRYPTO frame.
	CryptoFrame = wire.CryptoFrame
	// A DataBlockedFrame is a DATA_BLOCKED frame.
	DataBlockedFrame = wire.DataBlockedFrame
	// A MaxDataFrame is a MAX_DATA frame.
	MaxDataFrame = wire.MaxDataFrame
	// A MaxStreamDataFrame is a MAX_STREAM_DATA frame.
	MaxStreamDataFrame = wire.MaxStreamDataFrame
	// A MaxStreamsFrame is a MAX_STREAMS frame.
	MaxStreamsFrame = wire.MaxStreamsFrame
	// A NewConnectionIDFrame is a NEW_CONNECTION_ID frame.
	NewConnectionIDFrame = wire.NewConnectionIDFrame
	// A NewTokenFrame is a NEW_TOKEN frame.
	NewTokenFrame = wire.NewTokenFrame
	// A PathChallengeFrame is a PATH_CHALLENGE frame.
	PathChallengeFrame = wire.PathChallengeFrame
	// A PathResponseFrame is a PATH_RESPONSE frame.
	PathResponseFrame = wire.PathResponseFrame
	// A PingFrame is a PING frame.
	PingFrame = wire.PingFrame
	// A ResetStreamFrame is a RESET_STREAM frame.
	ResetStreamFrame = wire.ResetStreamFrame
	// A RetireConnectionIDFrame is a RETIRE_CONNECTION_ID frame.
	RetireConnectionIDFrame = wire.RetireConnectionIDFrame
	// A StopSendingFrame is a STOP_SENDING frame.
	StopSendingFrame = wire.StopSendingFrame
	// A StreamsBlockedFrame is a STREAMS_BLOCKED frame.
	StreamsBlockedFrame = wire.StreamsBlockedFrame
	// A StreamDataBlockedFrame is a STREAM_DATA_BLOCKED frame.
	StreamDataBlockedFrame = wire.StreamDataBlockedFrame
)

// A StreamFrame is a STREAM frame.
// The data is omitted, only the offset and the length are recorded.
type StreamFrame struct {
	StreamID StreamID
	Offset   ByteCount
	Length   ByteCount
	Fin      bool
}

// A ShortHeader is the (decrypted) short header of a 1-RTT packet.
type ShortHeader struct {
	DestConnectionID ConnectionID
	PacketNumber     PacketNumber
	PacketNumberLen  protocol.PacketNumberLen
	KeyPhase         KeyPhaseBit
}

// NewFrames converts a slice of wire frames to logging frames,
// replacing STREAM and CRYPTO frames by their data-free equivalents.
func NewFrames(fs []wire.Frame) []Frame {
	frames := make([]Frame, 0, len(fs))
	for _, f := range fs {
		frames = append(frames, NewFrame(f))
	}
	return frames
}

// NewFrame converts a wire frame to a logging frame.
// STREAM frames carry application data, which is stripped before logging.
func NewFrame(f wire.Frame) Frame {
	if sf, ok := f.(*wire.StreamFrame); ok {
		return &StreamFrame{
			StreamID: sf.StreamID,
			Offset:   sf.Offset,
			Length:   sf.DataLen(),
			Fin:      sf.Fin,
		}
	}
	return f
}
