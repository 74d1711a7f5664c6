package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("events_total", nil, "Events processed")
	r.IncrementCounter("events_total", nil, "Events processed")
	r.AddToCounter("events_total", 3, nil, "Events processed")

	snap := r.Export()
	counter, ok := snap.Counters["events_total"]
	require.True(t, ok)
	assert.Equal(t, float64(5), counter.Value)
}

func TestRegistry_CounterLabels(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("frames_total", map[string]string{"type": "message"}, "")
	r.IncrementCounter("frames_total", map[string]string{"type": "call"}, "")
	r.IncrementCounter("frames_total", map[string]string{"type": "message"}, "")

	snap := r.Export()
	assert.Equal(t, float64(2), snap.Counters["frames_total{type=message}"].Value)
	assert.Equal(t, float64(1), snap.Counters["frames_total{type=call}"].Value)
}

func TestRegistry_Gauges(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("queue_depth", 12, nil, "")
	r.SetGauge("queue_depth", 7, nil, "")

	snap := r.Export()
	assert.Equal(t, float64(7), snap.Gauges["queue_depth"].Value)
}

func TestRegistry_Timers(t *testing.T) {
	r := NewRegistry()

	r.RecordTimer("apply", 10*time.Millisecond, nil, "")
	r.RecordTimer("apply", 30*time.Millisecond, nil, "")

	snap := r.Export()
	timer, ok := snap.Timers["apply"]
	require.True(t, ok)
	assert.Equal(t, int64(2), timer.Count)
	assert.Equal(t, float64(10), timer.Min)
	assert.Equal(t, float64(30), timer.Max)
	assert.Equal(t, float64(20), timer.Average)
}

func TestRegistry_ExportIsCopy(t *testing.T) {
	r := NewRegistry()
	r.IncrementCounter("c", nil, "")

	snap := r.Export()
	snap.Counters["c"].Value = 99

	assert.Equal(t, float64(1), r.Export().Counters["c"].Value)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry()
	r.IncrementCounter("c", nil, "")
	r.SetGauge("g", 1, nil, "")
	r.Reset()

	snap := r.Export()
	assert.Empty(t, snap.Counters)
	assert.Empty(t, snap.Gauges)
	assert.Empty(t, snap.Timers)
}
