package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	r := NewMetricsRegistry()

	require.NoError(t, r.RegisterCounter("svc", "c", prometheus.NewCounter(prometheus.CounterOpts{Name: "t_counter", Help: "h"})))
	require.NoError(t, r.RegisterGauge("svc", "g", prometheus.NewGauge(prometheus.GaugeOpts{Name: "t_gauge", Help: "h"})))
	require.NoError(t, r.RegisterHistogram("svc", "h", prometheus.NewHistogram(prometheus.HistogramOpts{Name: "t_hist", Help: "h"})))

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "t_counter_vec", Help: "h"}, []string{"l"})
	require.NoError(t, r.RegisterCounterVec("svc", "cv", cv))
	cv.WithLabelValues("a").Inc()

	names := gatheredNames(t, r)
	for _, n := range []string{"t_counter", "t_gauge", "t_hist", "t_counter_vec"} {
		assert.Contains(t, names, n)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	r := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})

	require.NoError(t, r.RegisterCounter("svc", "dup", counter))

	err := r.RegisterCounter("svc", "dup", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same prometheus name under a different key
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "h"})
	err = r.RegisterCounter("other", "dup", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	r := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_counter", Help: "h"})
	require.NoError(t, r.RegisterCounter("svc", "gone", counter))

	assert.True(t, r.Unregister("svc", "gone"))
	assert.False(t, r.Unregister("svc", "gone"))
	assert.NotContains(t, gatheredNames(t, r), "gone_counter")

	require.NoError(t, r.RegisterCounter("svc", "gone", counter))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	r := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", id)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "h"})
			assert.NoError(t, r.RegisterCounter("svc", name, c))
		}(i)
	}
	wg.Wait()

	names := gatheredNames(t, r)
	for i := 0; i < 10; i++ {
		assert.Contains(t, names, fmt.Sprintf("concurrent_counter_%d", i))
	}
}

func TestCoreMetrics_Record(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.RecordReceived("scheduler.0000", "SCHEDULING")
	m.RecordReceived("scheduler.0000", "SCHEDULING")
	m.RecordAdvanced("scheduler.0000", "EXECUTING", "forwarded")
	m.RecordFailed("executor.0000", "EXECUTING")
	m.RecordRejected("scheduler.0000", "state_mismatch")
	m.RecordRoutingError("scheduler.0000", "route")
	m.RecordNotification("scheduler.0000", "state")
	m.RecordWorker("scheduler.0000", "SCHEDULING", 3*time.Millisecond)
	m.SetActiveWorkers("scheduler.0000", 1)
	m.RecordIdlePass("scheduler.0000")
	m.RecordComponentStatus("scheduler.0000", 2)
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()
	m.RecordCircuitBreakerState(0)

	var out dto.Metric
	require.NoError(t, m.UnitsReceived.WithLabelValues("scheduler.0000", "SCHEDULING").Write(&out))
	assert.Equal(t, 2.0, out.GetCounter().GetValue())

	names := gatheredNames(t, r)
	for _, n := range []string{
		"pilot_units_received_total",
		"pilot_units_advanced_total",
		"pilot_units_failed_total",
		"pilot_units_rejected_total",
		"pilot_routing_errors_total",
		"pilot_pubsub_published_total",
		"pilot_worker_duration_seconds",
		"pilot_worker_active",
		"pilot_loop_idle_passes_total",
		"pilot_component_status",
		"pilot_nats_connected",
		"pilot_nats_reconnects_total",
		"pilot_nats_circuit_breaker",
	} {
		assert.Contains(t, names, n)
	}
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReceived("c", "s")
		m.RecordAdvanced("c", "s", "d")
		m.RecordWorker("c", "s", time.Second)
		m.SetActiveWorkers("c", 0)
		m.RecordNATSStatus(false)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestMetricsRegistry_Handler(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordReceived("stager", "STAGING_INPUT")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pilot_units_received_total")
}
