package wire

import (
	"github.com/quic-dev/quix/internal/protocol"
)

// A Frame in QUIC
type Frame interface {
	Append(b []byte, version protocol.Version) ([]byte, error)
	Length(version protocol.Version) protocol.ByteCount
}

// A FrameParser parses QUIC frames, one by one.
type FrameParser interface {
	ParseNext([]byte, protocol.EncryptionLevel, protocol.Version) (int, Frame, error)
	SetAckDelayExponent(uint8)
}
