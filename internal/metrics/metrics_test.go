package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineCounters(t *testing.T) {
	m := Pipeline()
	assert.Same(t, m, Pipeline())

	before := testutil.ToFloat64(m.transitions.WithLabelValues("pending", "token_received"))
	m.ObserveTransition("pending", "token_received")
	assert.Equal(t, before+1, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "token_received")))

	m.ObserveWebhook("")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.webhooks.WithLabelValues("unknown")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("a", "b")
		m.ObservePayout("ok")
		m.ObserveGas("topup", "ok")
	})
}
