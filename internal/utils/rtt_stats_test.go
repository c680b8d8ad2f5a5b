package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTTStatsDefault(t *testing.T) {
	var rtt RTTStats
	assert.Zero(t, rtt.MinRTT())
	assert.Zero(t, rtt.SmoothedRTT())
	// PTO before any sample uses twice the default initial RTT
	assert.Equal(t, 200*time.Millisecond, rtt.PTO(false))
}

func TestRTTStatsFirstSample(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(300*time.Millisecond, 0)
	assert.Equal(t, 300*time.Millisecond, rtt.LatestRTT())
	assert.Equal(t, 300*time.Millisecond, rtt.SmoothedRTT())
	assert.Equal(t, 150*time.Millisecond, rtt.MeanDeviation())
	assert.Equal(t, 300*time.Millisecond, rtt.MinRTT())
}

func TestRTTStatsSmoothing(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(300*time.Millisecond, 0)
	rtt.UpdateRTT(400*time.Millisecond, 0)
	// srtt := 7/8 * srtt + 1/8 * sample
	assert.Equal(t, time.Duration(312.5*float64(time.Millisecond)), rtt.SmoothedRTT())
	// rttvar := 3/4 * rttvar + 1/4 * |srtt - sample|
	assert.Equal(t, time.Duration(137.5*float64(time.Millisecond)), rtt.MeanDeviation())
}

func TestRTTStatsAckDelay(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(200*time.Millisecond, 0)
	// the ack delay is subtracted, since the result stays above min_rtt
	rtt.UpdateRTT(300*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, rtt.LatestRTT())
	// an ack delay that would push the sample below min_rtt is ignored
	rtt.UpdateRTT(210*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 210*time.Millisecond, rtt.LatestRTT())
}

func TestRTTStatsMinRTT(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(200*time.Millisecond, 0)
	rtt.UpdateRTT(100*time.Millisecond, 0)
	rtt.UpdateRTT(300*time.Millisecond, 0)
	assert.Equal(t, 100*time.Millisecond, rtt.MinRTT())
}

func TestRTTStatsPTO(t *testing.T) {
	var rtt RTTStats
	rtt.SetMaxAckDelay(25 * time.Millisecond)
	rtt.UpdateRTT(100*time.Millisecond, 0)
	require.Equal(t, 100*time.Millisecond, rtt.SmoothedRTT())
	require.Equal(t, 50*time.Millisecond, rtt.MeanDeviation())
	assert.Equal(t, 300*time.Millisecond, rtt.PTO(false))
	assert.Equal(t, 325*time.Millisecond, rtt.PTO(true))
}

func TestRTTStatsNegativeSample(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(100*time.Millisecond, 0)
	rtt.UpdateRTT(-10*time.Millisecond, 0)
	assert.Equal(t, 100*time.Millisecond, rtt.LatestRTT())
}
