package quic

import (
	"fmt"

	"github.com/quic-dev/quix/internal/qerr"
)

type (
	// TransportError wraps a QUIC transport-level error, as defined by the QUIC specification.
	TransportError = qerr.TransportError
	// ApplicationError is an application-defined error,
	// transmitted in a CONNECTION_CLOSE frame with the application bit set.
	ApplicationError = qerr.ApplicationError
	// VersionNegotiationError occurs when the client and the server can't agree on a QUIC version.
	VersionNegotiationError = qerr.VersionNegotiationError
	// StatelessResetError occurs when a stateless reset is received.
	StatelessResetError = qerr.StatelessResetError
	// IdleTimeoutError occurs when the connection times out.
	IdleTimeoutError = qerr.IdleTimeoutError
	// HandshakeTimeoutError occurs when the handshake takes too long.
	HandshakeTimeoutError = qerr.HandshakeTimeoutError
)

type (
	// TransportErrorCode is a QUIC transport error code, see section 20 of RFC 9000.
	TransportErrorCode = qerr.TransportErrorCode
	// ApplicationErrorCode is an application-defined error code.
	ApplicationErrorCode = qerr.ApplicationErrorCode
	// StreamErrorCode is the error code used for stream resets.
	StreamErrorCode = qerr.StreamErrorCode
)

const (
	NoError                   TransportErrorCode = qerr.NoError
	InternalError             TransportErrorCode = qerr.InternalError
	ConnectionRefused         TransportErrorCode = qerr.ConnectionRefused
	FlowControlError          TransportErrorCode = qerr.FlowControlError
	StreamLimitError          TransportErrorCode = qerr.StreamLimitError
	StreamStateError          TransportErrorCode = qerr.StreamStateError
	FinalSizeError            TransportErrorCode = qerr.FinalSizeError
	FrameEncodingError        TransportErrorCode = qerr.FrameEncodingError
	TransportParameterError   TransportErrorCode = qerr.TransportParameterError
	ConnectionIDLimitError    TransportErrorCode = qerr.ConnectionIDLimitError
	ProtocolViolation         TransportErrorCode = qerr.ProtocolViolation
	InvalidToken              TransportErrorCode = qerr.InvalidToken
	ApplicationErrorErrorCode TransportErrorCode = qerr.ApplicationErrorErrorCode
	CryptoBufferExceeded      TransportErrorCode = qerr.CryptoBufferExceeded
)

// A StreamError is used to signal stream cancellations.
// It is returned from the Read and Write methods of the Stream.
type StreamError struct {
	StreamID  StreamID
	ErrorCode StreamErrorCode
	Remote    bool
}

func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && e.StreamID == t.StreamID && e.ErrorCode == t.ErrorCode && e.Remote == t.Remote
}

func (e *StreamError) Error() string {
	pers := "local"
	if e.Remote {
		pers = "remote"
	}
	return fmt.Sprintf("stream %d canceled by %s with error code %d", e.StreamID, pers, e.ErrorCode)
}
