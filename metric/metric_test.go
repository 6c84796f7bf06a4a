package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Request(OutcomeRouted)
		m.Retry()
		m.Restart("svc")
		m.SetInstances("svc", 2)
		m.RequestStarted("svc")
		m.RequestFinished("svc")
	})
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Request(OutcomeNoData)
	m.Request(OutcomeNoData)
	m.Retry()
	m.SetInstances("users", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues(OutcomeNoData)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionRetries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Instances.WithLabelValues("users")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewRegistryHasRuntimeCollectors(t *testing.T) {
	families, err := NewRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
