// Package metrics exposes the gateway's Prometheus collectors. Every method is
// safe to call on a nil *Metrics so components can run without metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "toolbridge"

// Metrics groups the correlation, dispatch and registration collectors.
type Metrics struct {
	mu sync.Mutex

	pending          *prometheus.GaugeVec
	dispatched       *prometheus.CounterVec
	dispatchErrors   *prometheus.CounterVec
	responses        *prometheus.CounterVec
	routingMisses    *prometheus.CounterVec
	timeouts         *prometheus.CounterVec
	responseLatency  *prometheus.HistogramVec
	handlers         *prometheus.GaugeVec
	handlerFailures  *prometheus.CounterVec
	directoryEvents  *prometheus.CounterVec
	directorySkipped prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

// Snapshot is a point-in-time copy of the counters the control API reports.
type Snapshot struct {
	Pending       map[string]float64 `json:"pending"`
	RoutingMisses float64            `json:"routing_misses"`
	Timeouts      float64            `json:"timeouts"`
	CollectedAt   time.Time          `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. Call Register before serving /metrics.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:     registerer,
		pending:        newGaugeVec("correlation", "pending", "Pending correlations per response topic", []string{"topic"}),
		dispatched:     newCounterVec("dispatch", "requests_total", "Requests published per registration", []string{"registration"}),
		dispatchErrors: newCounterVec("dispatch", "errors_total", "Requests that failed to publish", []string{"registration"}),
		responses:      newCounterVec("correlation", "responses_total", "Responses delivered to a waiting caller", []string{"topic"}),
		routingMisses:  newCounterVec("correlation", "routing_misses_total", "Responses with no pending correlation", []string{"topic"}),
		timeouts:       newCounterVec("correlation", "timeouts_total", "Pending correlations failed by the reaper", []string{"topic"}),
		responseLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "correlation",
				Name:      "response_seconds",
				Help:      "Time from registering a correlation to its response",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"topic"},
		),
		handlers:        newGaugeVec("registration", "handlers", "Active handlers per kind", []string{"kind"}),
		handlerFailures: newCounterVec("registration", "handler_failures_total", "Handler initialize/teardown failures", []string{"phase"}),
		directoryEvents: newCounterVec("directory", "events_total", "Directory log events applied", []string{"op"}),
		directorySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "malformed_total",
			Help:      "Directory records skipped because they could not be decoded",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.pending,
		m.dispatched,
		m.dispatchErrors,
		m.responses,
		m.routingMisses,
		m.timeouts,
		m.responseLatency,
		m.handlers,
		m.handlerFailures,
		m.directoryEvents,
		m.directorySkipped,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) PendingAdded(topic string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(topic).Inc()
}

func (m *Metrics) PendingRemoved(topic string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(topic).Dec()
}

func (m *Metrics) Dispatched(registration string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(registration).Inc()
}

func (m *Metrics) DispatchFailed(registration string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(registration).Inc()
}

// ResponseDelivered records a matched response and how long the caller waited.
func (m *Metrics) ResponseDelivered(topic string, waited time.Duration) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(topic).Inc()
	m.responseLatency.WithLabelValues(topic).Observe(waited.Seconds())
}

func (m *Metrics) RoutingMiss(topic string) {
	if m == nil {
		return
	}
	m.routingMisses.WithLabelValues(topic).Inc()
}

func (m *Metrics) TimedOut(topic string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(topic).Inc()
}

func (m *Metrics) HandlerActivated(kind string) {
	if m == nil {
		return
	}
	m.handlers.WithLabelValues(kind).Inc()
}

func (m *Metrics) HandlerDeactivated(kind string) {
	if m == nil {
		return
	}
	m.handlers.WithLabelValues(kind).Dec()
}

// HandlerFailed counts failures by phase ("initialize" or "teardown").
func (m *Metrics) HandlerFailed(phase string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(phase).Inc()
}

// DirectoryEvent counts applied log events by op ("put", "delete", "flush").
func (m *Metrics) DirectoryEvent(op string) {
	if m == nil {
		return
	}
	m.directoryEvents.WithLabelValues(op).Inc()
}

func (m *Metrics) DirectoryRecordSkipped() {
	if m == nil {
		return
	}
	m.directorySkipped.Inc()
}

// Snapshot gathers the current correlation figures.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Pending: map[string]float64{}, CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	ch := make(chan prometheus.Metric, 64)
	go func() {
		m.pending.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		topic, value := readLabeled(metric, "topic")
		snap.Pending[topic] = value
	}
	snap.RoutingMisses = sumCounter(m.routingMisses)
	snap.Timeouts = sumCounter(m.timeouts)
	return snap
}

// Reset clears every collector (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.pending.Reset()
	m.dispatched.Reset()
	m.dispatchErrors.Reset()
	m.responses.Reset()
	m.routingMisses.Reset()
	m.timeouts.Reset()
	m.responseLatency.Reset()
	m.handlers.Reset()
	m.handlerFailures.Reset()
	m.directoryEvents.Reset()
}
