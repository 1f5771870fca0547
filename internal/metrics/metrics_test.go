package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveAttempt("ok")
		m.ObserveRetry()
		m.ObserveTerminalFailure()
		m.ObserveDuplicateCallback()
		m.ObserveVerification("VERIFIED")
		m.ObserveCacheLookup("memory", "hit")
		m.ObserveOffline("ok")
	})
}

func TestNew_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAttempt("transient")
	m.ObserveAttempt("transient")
	m.ObserveRetry()
	m.ObserveVerification("FAILED")
	m.ObserveCacheLookup("device", "stale")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Attempts.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("device", "stale")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_NilRegistererSkipsRegistration(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.ObserveRetry()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Retries))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Retries))
}
