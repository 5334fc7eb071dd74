package agenda

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records agenda activity as Prometheus metrics. It is a
// Listener; attach it to a session with engine.WithMetrics.
//
// A nil *Metrics is a valid listener that records nothing. One Metrics
// may be shared by concurrent sessions.
type Metrics struct {
	created      *prometheus.CounterVec
	cancelled    *prometheus.CounterVec
	fired        *prometheus.CounterVec
	failures     *prometheus.CounterVec
	fireDuration *prometheus.HistogramVec
	queued       prometheus.Gauge

	mu      sync.Mutex
	started map[*Activation]time.Time
}

// NewMetrics creates and registers agenda metrics. A nil registerer
// yields nil metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rete",
			Subsystem: "agenda",
			Name:      "activations_created_total",
			Help:      "Activations created",
		}, []string{"rule"}),

		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rete",
			Subsystem: "agenda",
			Name:      "activations_cancelled_total",
			Help:      "Queued activations withdrawn before firing",
		}, []string{"rule"}),

		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rete",
			Subsystem: "agenda",
			Name:      "activations_fired_total",
			Help:      "Activations fired",
		}, []string{"rule"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rete",
			Subsystem: "agenda",
			Name:      "action_failures_total",
			Help:      "Rule actions that returned an error or panicked",
		}, []string{"rule"}),

		fireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rete",
			Subsystem: "agenda",
			Name:      "fire_duration_seconds",
			Help:      "Time spent in rule actions, propagation included",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0},
		}, []string{"rule"}),

		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rete",
			Subsystem: "agenda",
			Name:      "activations_queued",
			Help:      "Activations currently queued",
		}),

		started: make(map[*Activation]time.Time),
	}

	reg.MustRegister(
		m.created,
		m.cancelled,
		m.fired,
		m.failures,
		m.fireDuration,
		m.queued,
	)
	return m
}

// ActivationCreated implements Listener.
func (m *Metrics) ActivationCreated(act *Activation) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(act.Rule.Name).Inc()
	m.queued.Inc()
}

// ActivationCancelled implements Listener.
func (m *Metrics) ActivationCancelled(act *Activation) {
	if m == nil {
		return
	}
	m.cancelled.WithLabelValues(act.Rule.Name).Inc()
	m.queued.Dec()
}

// BeforeFire implements Listener.
func (m *Metrics) BeforeFire(act *Activation) {
	if m == nil {
		return
	}
	m.queued.Dec()
	m.mu.Lock()
	m.started[act] = time.Now()
	m.mu.Unlock()
}

// AfterFire implements Listener.
func (m *Metrics) AfterFire(act *Activation, err error) {
	if m == nil {
		return
	}
	m.fired.WithLabelValues(act.Rule.Name).Inc()
	if err != nil {
		m.failures.WithLabelValues(act.Rule.Name).Inc()
	}
	m.mu.Lock()
	start, ok := m.started[act]
	delete(m.started, act)
	m.mu.Unlock()
	if ok {
		m.fireDuration.WithLabelValues(act.Rule.Name).Observe(time.Since(start).Seconds())
	}
}
