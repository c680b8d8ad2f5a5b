package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/internal/qerr"
	"github.com/quic-dev/quix/internal/utils"
)

func newTestConnectionFlowController(receiveWindow, maxReceiveWindow protocol.ByteCount) *connectionFlowController {
	return NewConnectionFlowController(
		receiveWindow,
		maxReceiveWindow,
		&utils.RTTStats{},
		utils.DefaultLogger,
	).(*connectionFlowController)
}

func TestConnectionFlowControlViolation(t *testing.T) {
	fc := newTestConnectionFlowController(1024, 1024)
	// receiving 512 bytes is fine
	require.NoError(t, fc.IncrementHighestReceived(512))
	// the next 600 bytes exceed the connection-level window
	err := fc.IncrementHighestReceived(600)
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.FlowControlError, transportErr.ErrorCode)
	require.Contains(t, transportErr.ErrorMessage, "received 1112 bytes for the connection, allowed 1024 bytes")
}

func TestConnectionFlowControlSending(t *testing.T) {
	fc := newTestConnectionFlowController(1000, 1000)
	fc.UpdateSendWindow(500)
	require.Equal(t, protocol.ByteCount(500), fc.SendWindowSize())
	fc.AddBytesSent(500)
	require.Zero(t, fc.SendWindowSize())
	blocked, at := fc.IsNewlyBlocked()
	require.True(t, blocked)
	require.Equal(t, protocol.ByteCount(500), at)
	// only reported once per offset
	blocked, _ = fc.IsNewlyBlocked()
	require.False(t, blocked)
	// a MAX_DATA frame with a smaller offset is ignored
	require.False(t, fc.UpdateSendWindow(400))
	require.True(t, fc.UpdateSendWindow(600))
	require.Equal(t, protocol.ByteCount(100), fc.SendWindowSize())
}

func TestConnectionFlowControlWindowUpdate(t *testing.T) {
	fc := newTestConnectionFlowController(100, 1000)
	require.NoError(t, fc.IncrementHighestReceived(90))
	// less than half the window consumed, no update yet
	fc.AddBytesRead(30)
	require.Zero(t, fc.GetWindowUpdate())
	// more than half consumed, the window slides forward
	fc.AddBytesRead(30)
	offset := fc.GetWindowUpdate()
	require.Equal(t, protocol.ByteCount(60+100), offset)
}

func TestConnectionFlowControlReset(t *testing.T) {
	fc := newTestConnectionFlowController(100, 100)
	fc.AddBytesSent(50)
	require.NoError(t, fc.Reset())
	require.Zero(t, fc.bytesSent)
	// resetting after data was read is invalid
	fc.AddBytesRead(10)
	require.Error(t, fc.Reset())
}

func TestConnectionFlowControlEnsureMinimumWindowSize(t *testing.T) {
	fc := newTestConnectionFlowController(100, 1000)
	fc.EnsureMinimumWindowSize(500)
	require.Equal(t, protocol.ByteCount(500), fc.receiveWindowSize)
	// capped at the maximum window size
	fc.EnsureMinimumWindowSize(2000)
	require.Equal(t, protocol.ByteCount(1000), fc.receiveWindowSize)
	require.False(t, fc.epochStartTime.IsZero())
}
