package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func TestMultiplexedTracer(t *testing.T) {
	var err1, err2 error
	t1 := &ConnectionTracer{ClosedConnection: func(e error) { err1 = e }}
	t2 := &ConnectionTracer{ClosedConnection: func(e error) { err2 = e }}
	tracer := NewMultiplexedConnectionTracer(t1, t2)
	tracer.ClosedConnection(errTest)
	require.Equal(t, errTest, err1)
	require.Equal(t, errTest, err2)
}

func TestMultiplexedTracerNilCallbacks(t *testing.T) {
	var called bool
	t1 := &ConnectionTracer{} // doesn't implement any callbacks
	t2 := &ConnectionTracer{UpdatedPTOCount: func(uint32) { called = true }}
	tracer := NewMultiplexedConnectionTracer(t1, t2)
	tracer.UpdatedPTOCount(1)
	require.True(t, called)
	// events neither tracer implements are still callable
	tracer.SetLossTimer(TimerTypePTO, Encryption1RTT, time.Now())
}

func TestMultiplexedTracerSingle(t *testing.T) {
	t1 := &ConnectionTracer{}
	require.Same(t, t1, NewMultiplexedConnectionTracer(t1))
	require.Nil(t, NewMultiplexedConnectionTracer())
}

func TestMultiplexedEndpointTracer(t *testing.T) {
	var count int
	t1 := &Tracer{Debug: func(string, string) { count++ }}
	t2 := &Tracer{Debug: func(string, string) { count++ }}
	tracer := NewMultiplexedTracer(t1, t2)
	tracer.Debug("foo", "bar")
	require.Equal(t, 2, count)
}
