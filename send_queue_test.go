package quic

import (
	"errors"
	"testing"
	"time"

	"github.com/quic-dev/quix/internal/protocol"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func getPacketWithContents(b []byte) *packetBuffer {
	buf := getPacketBuffer()
	buf.Data = buf.Data[:len(b)]
	copy(buf.Data, b)
	return buf
}

func TestSendQueueSendsPackets(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := NewMockSendConn(ctrl)
	q := newSendQueue(c)

	written := make(chan []byte, 1)
	c.EXPECT().Write(gomock.Any(), protocol.ECT1).DoAndReturn(func(b []byte, _ protocol.ECN) error {
		written <- append([]byte{}, b...)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- q.Run() }()

	require.False(t, q.WouldBlock())
	q.Send(getPacketWithContents([]byte("foobar")), protocol.ECT1)

	select {
	case b := <-written:
		require.Equal(t, []byte("foobar"), b)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for packet to be written")
	}

	q.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run loop to return")
	}
}

func TestSendQueueBlocksWhenFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := NewMockSendConn(ctrl)
	q := newSendQueue(c)

	// fill up the send queue
	for i := 0; i < sendQueueCapacity; i++ {
		q.Send(getPacketWithContents([]byte{uint8(i)}), protocol.ECNUnsupported)
	}
	require.True(t, q.WouldBlock())
	require.Panics(t, func() { q.Send(getPacketWithContents([]byte("foobar")), protocol.ECNUnsupported) })

	// allow the run loop to drain the queue
	unblock := make(chan struct{})
	c.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(func([]byte, protocol.ECN) error {
		<-unblock
		return nil
	}).Times(sendQueueCapacity)

	done := make(chan error, 1)
	go func() { done <- q.Run() }()

	close(unblock)
	select {
	case <-q.Available():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue to become available")
	}

	q.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run loop to return")
	}
}

func TestSendQueueWriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := NewMockSendConn(ctrl)
	q := newSendQueue(c)

	testErr := errors.New("write error")
	c.EXPECT().Write(gomock.Any(), gomock.Any()).Return(testErr)

	done := make(chan error, 1)
	go func() { done <- q.Run() }()

	q.Send(getPacketWithContents([]byte("foobar")), protocol.ECNUnsupported)
	select {
	case err := <-done:
		require.ErrorIs(t, err, testErr)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run loop to return")
	}

	// further calls to Send should not block
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 2*sendQueueCapacity; i++ {
			q.Send(getPacketWithContents([]byte("raboof")), protocol.ECNUnsupported)
		}
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Send calls to return")
	}
}
