package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "statechart"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds every Prometheus collector a running Machine reports to.
type Metrics struct {
	EventsProcessedTotal  *prometheus.CounterVec
	TransitionsTakenTotal *prometheus.CounterVec
	GuardsEvaluatedTotal  *prometheus.CounterVec
	ActionErrorsTotal     *prometheus.CounterVec
	ServiceInvocationsTotal *prometheus.CounterVec
	MacrostepDuration     *prometheus.HistogramVec
	ActiveMachines        prometheus.Gauge

	// Custom metrics registry, for a host wiring its own guard/action names
	// through without a code change here.
	CustomCounters   map[string]*prometheus.CounterVec
	CustomGauges     map[string]*prometheus.GaugeVec
	CustomHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	m := &Metrics{
		EventsProcessedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_events_processed_total",
				Help: "Total number of events stepped through a machine",
			},
			[]string{"machine", "event"},
		),
		TransitionsTakenTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_transitions_taken_total",
				Help: "Total number of transitions taken across all microsteps",
			},
			[]string{"machine", "kind"}, // kind: internal, external, external-self
		),
		GuardsEvaluatedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_guards_evaluated_total",
				Help: "Total number of guard predicates evaluated",
			},
			[]string{"machine", "result"}, // result: pass, fail
		),
		ActionErrorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_action_errors_total",
				Help: "Total number of action callbacks that returned an error",
			},
			[]string{"machine"},
		),
		ServiceInvocationsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "statechart_service_invocations_total",
				Help: "Total number of invoked services launched, by completion outcome",
			},
			[]string{"machine", "outcome"}, // outcome: done, error, cancelled
		),
		MacrostepDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "statechart_macrostep_duration_seconds",
				Help:    "Wall-clock duration of one Step call, including eventless settling",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine"},
		),
		ActiveMachines: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "statechart_active_machines",
				Help: "Number of machines currently in the running state",
			},
		),

		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomGauges:     make(map[string]*prometheus.GaugeVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
	}

	return m
}

// RecordStep records one completed Step call: the event processed, the
// transitions it took by kind, and how long the whole macrostep took.
func (m *Metrics) RecordStep(machineID, eventName string, transitionKinds []string, duration time.Duration) {
	m.EventsProcessedTotal.WithLabelValues(machineID, eventName).Inc()
	for _, k := range transitionKinds {
		m.TransitionsTakenTotal.WithLabelValues(machineID, k).Inc()
	}
	m.MacrostepDuration.WithLabelValues(machineID).Observe(duration.Seconds())
}

// RecordGuard records one guard evaluation's outcome.
func (m *Metrics) RecordGuard(machineID string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	m.GuardsEvaluatedTotal.WithLabelValues(machineID, result).Inc()
}

// RecordActionError records an action callback returning an error.
func (m *Metrics) RecordActionError(machineID string) {
	m.ActionErrorsTotal.WithLabelValues(machineID).Inc()
}

// RecordServiceOutcome records an invoked service reaching a terminal
// outcome: "done", "error", or "cancelled" (exited before it completed).
func (m *Metrics) RecordServiceOutcome(machineID, outcome string) {
	m.ServiceInvocationsTotal.WithLabelValues(machineID, outcome).Inc()
}

// Counter creates or returns a custom counter metric
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(DefaultRegisterer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(DefaultRegisterer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.CustomHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if histogram, exists := m.CustomHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(DefaultRegisterer).NewHistogramVec(opts, labels)
	m.CustomHistograms[name] = histogram
	return histogram
}

// Convenience functions for global metrics

// Counter returns a custom counter metric (creates if doesn't exist)
func Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return GetMetrics().Counter(name, help, labels...)
}

// Gauge returns a custom gauge metric (creates if doesn't exist)
func Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return GetMetrics().Gauge(name, help, labels...)
}

// Histogram returns a custom histogram metric (creates if doesn't exist)
func Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return GetMetrics().Histogram(name, help, buckets, labels...)
}
