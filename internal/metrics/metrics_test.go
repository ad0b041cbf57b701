package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetrics_JobDispatchedIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil, nil)

	m.JobDispatched()
	m.JobDispatched()

	assert.Equal(t, float64(2), counterValue(t, m.jobsDispatched))
}

func TestMetrics_JobCompletedLabelsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil, nil)

	m.JobCompleted("success")
	m.JobCompleted("failed")
	m.JobCompleted("success")

	assert.Equal(t, float64(2), counterValue(t, m.jobsCompleted.WithLabelValues("success")))
	assert.Equal(t, float64(1), counterValue(t, m.jobsCompleted.WithLabelValues("failed")))
}

func TestMetrics_QueueDepthReflectsFuncAtScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	depth := 0
	m := New(reg, func() int { return depth }, nil)

	var before dto.Metric
	require.NoError(t, m.queueDepth.Write(&before))
	assert.Equal(t, float64(0), before.GetGauge().GetValue())

	depth = 7
	var after dto.Metric
	require.NoError(t, m.queueDepth.Write(&after))
	assert.Equal(t, float64(7), after.GetGauge().GetValue())
}

func TestMetrics_LogSubscribersTracksOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil, nil)

	m.LogSubscriberOpened()
	m.LogSubscriberOpened()
	m.LogSubscriberClosed()

	assert.Equal(t, float64(1), gaugeValue(t, m.logSubscribers))
}

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, nil, nil)

	m.WebhookAccepted()
	m.WebhookRejected()
	m.WebhookRejected()

	assert.Equal(t, float64(1), counterValue(t, m.webhooksAccepted))
	assert.Equal(t, float64(2), counterValue(t, m.webhooksRejected))
}
