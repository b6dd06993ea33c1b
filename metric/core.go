package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pilot"

// Metrics holds the engine-level metrics shared by every component instance.
// Per-instance series are separated by the component label.
type Metrics struct {
	UnitsReceived   *prometheus.CounterVec
	UnitsAdvanced   *prometheus.CounterVec
	UnitsFailed     *prometheus.CounterVec
	UnitsRejected   *prometheus.CounterVec
	RoutingErrors   *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	WorkerDuration  *prometheus.HistogramVec
	ActiveWorkers   *prometheus.GaugeVec
	EmptyPolls      *prometheus.CounterVec
	ComponentStatus *prometheus.GaugeVec

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		UnitsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "units",
			Name:      "received_total",
			Help:      "Units dequeued from an input binding",
		}, []string{"component", "state"}),

		UnitsAdvanced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "units",
			Name:      "advanced_total",
			Help:      "Units advanced, by disposition (forwarded, terminal, dropped, kept)",
		}, []string{"component", "state", "disposition"}),

		UnitsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "units",
			Name:      "failed_total",
			Help:      "Units force-failed after a worker error or panic",
		}, []string{"component", "state"}),

		UnitsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "units",
			Name:      "rejected_total",
			Help:      "Units discarded on arrival",
		}, []string{"component", "reason"}),

		RoutingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "errors_total",
			Help:      "Unknown output routes and unknown publish topics",
		}, []string{"component", "kind"}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "published_total",
			Help:      "Notifications sent per topic",
		}, []string{"component", "topic"}),

		WorkerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "duration_seconds",
			Help:      "Time spent in worker invocations",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"component", "state"}),

		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "active",
			Help:      "Worker invocations currently running (0 or 1 per component)",
		}, []string{"component"}),

		EmptyPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "idle_passes_total",
			Help:      "Dispatch passes that found no unit on any input",
		}, []string{"component"}),

		ComponentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "status",
			Help:      "Component lifecycle state (0=created, 1=initialized, 2=running, 3=stopped, 4=failed)",
		}, []string{"component"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.UnitsReceived, m.UnitsAdvanced, m.UnitsFailed, m.UnitsRejected,
		m.RoutingErrors, m.Notifications, m.WorkerDuration, m.ActiveWorkers,
		m.EmptyPolls, m.ComponentStatus,
		m.NATSConnected, m.NATSReconnects, m.NATSCircuitBreaker,
	}
}

// The Record helpers are safe on a nil *Metrics so components built without a
// registry need no guards.

// RecordReceived counts a unit taken from an input
func (m *Metrics) RecordReceived(component, state string) {
	if m == nil {
		return
	}
	m.UnitsReceived.WithLabelValues(component, state).Inc()
}

// RecordAdvanced counts an advance outcome
func (m *Metrics) RecordAdvanced(component, state, disposition string) {
	if m == nil {
		return
	}
	m.UnitsAdvanced.WithLabelValues(component, state, disposition).Inc()
}

// RecordFailed counts a force-failed unit
func (m *Metrics) RecordFailed(component, state string) {
	if m == nil {
		return
	}
	m.UnitsFailed.WithLabelValues(component, state).Inc()
}

// RecordRejected counts a unit discarded on arrival
func (m *Metrics) RecordRejected(component, reason string) {
	if m == nil {
		return
	}
	m.UnitsRejected.WithLabelValues(component, reason).Inc()
}

// RecordRoutingError counts an unknown route or topic
func (m *Metrics) RecordRoutingError(component, kind string) {
	if m == nil {
		return
	}
	m.RoutingErrors.WithLabelValues(component, kind).Inc()
}

// RecordNotification counts a published notification
func (m *Metrics) RecordNotification(component, topic string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(component, topic).Inc()
}

// RecordWorker observes one worker invocation
func (m *Metrics) RecordWorker(component, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerDuration.WithLabelValues(component, state).Observe(d.Seconds())
}

// SetActiveWorkers sets the running worker count of a component
func (m *Metrics) SetActiveWorkers(component string, n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(component).Set(float64(n))
}

// RecordIdlePass counts a pass with no input
func (m *Metrics) RecordIdlePass(component string) {
	if m == nil {
		return
	}
	m.EmptyPolls.WithLabelValues(component).Inc()
}

// RecordComponentStatus records a lifecycle state
func (m *Metrics) RecordComponentStatus(component string, status int) {
	if m == nil {
		return
	}
	m.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordNATSStatus records NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}

// RecordNATSReconnect increments the reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState records circuit breaker state
func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
