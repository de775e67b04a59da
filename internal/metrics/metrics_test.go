package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingDepthSetAndRead(t *testing.T) {
	RingDepth.WithLabelValues("test-prefix").Set(7)
	m := &dto.Metric{}
	require.NoError(t, RingDepth.WithLabelValues("test-prefix").(prometheus.Gauge).Write(m))
	assert.Equal(t, float64(7), m.GetGauge().GetValue())
}

func TestRingEnqueueBlockedTotalIncrements(t *testing.T) {
	c := RingEnqueueBlockedTotal.WithLabelValues("blocked-prefix")
	before := counterValue(t, c)
	c.Inc()
	after := counterValue(t, c)
	assert.Equal(t, before+1, after)
}

func TestBarrierTimeoutTotalLabelled(t *testing.T) {
	c := BarrierTimeoutTotal.WithLabelValues("full-duplex")
	before := counterValue(t, c)
	c.Inc()
	after := counterValue(t, c)
	assert.Equal(t, before+1, after)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
