package ackhandler

import "github.com/quic-dev/quix/internal/wire"

// A Frame is a frame together with the callbacks that are called
// when the packet containing it is acknowledged or declared lost.
type Frame struct {
	Frame   wire.Frame
	OnLost  func(wire.Frame)
	OnAcked func(wire.Frame)
}

// IsFrameAckEliciting returns true if the frame is ack-eliciting.
func IsFrameAckEliciting(f wire.Frame) bool {
	_, isAck := f.(*wire.AckFrame)
	_, isConnectionClose := f.(*wire.ConnectionCloseFrame)
	return !isAck && !isConnectionClose
}

// HasAckElicitingFrames returns true if at least one frame is ack-eliciting.
func HasAckElicitingFrames(fs []Frame) bool {
	for _, f := range fs {
		if IsFrameAckEliciting(f.Frame) {
			return true
		}
	}
	return false
}
