// Package metrics exposes proxy activity as Prometheus metrics.
//
// A single Metrics value implements the server's session/request hooks,
// the dispatcher's backend hooks and the item change observer, so one
// registration covers the whole process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/opcproxy/internal/item"
)

const namespace = "opcproxy"

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	backendWrites  *prometheus.CounterVec
	backendPushes  prometheus.Counter
	itemChanges    *prometheus.CounterVec
	reloads        *prometheus.CounterVec
	items          prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// It panics on duplicate registration, like prometheus.MustRegister.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently registered.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Client connections accepted.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Client sessions terminated, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol requests handled, by verb.",
		}, []string{"verb"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to sending its reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"verb"}),
		backendWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_writes_total",
			Help:      "Writes forwarded to the device backend, by result.",
		}, []string{"result"}),
		backendPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_pushed_values_total",
			Help:      "Changed values pushed by the device backend.",
		}),
		itemChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_changes_total",
			Help:      "Item value or quality changes, by source.",
		}, []string{"source"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_loads_total",
			Help:      "Configuration generation loads, by result.",
		}, []string{"result"}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items",
			Help:      "Items in the current configuration generation.",
		}),
	}

	reg.MustRegister(
		m.sessionsActive, m.sessionsTotal, m.sessionsClosed,
		m.requests, m.requestLatency,
		m.backendWrites, m.backendPushes,
		m.itemChanges, m.reloads, m.items,
	)
	return m
}

// SessionOpened records an accepted connection.
func (m *Metrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a terminated session.
func (m *Metrics) SessionClosed(reason string) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// RequestHandled records one answered request.
func (m *Metrics) RequestHandled(verb string, elapsed time.Duration) {
	m.requests.WithLabelValues(verb).Inc()
	m.requestLatency.WithLabelValues(verb).Observe(elapsed.Seconds())
}

// BackendWrite records the outcome of a backend write.
func (m *Metrics) BackendWrite(ok bool) {
	m.backendWrites.WithLabelValues(result(ok)).Inc()
}

// BackendPush records n changed values from a backend push.
func (m *Metrics) BackendPush(n int) {
	m.backendPushes.Add(float64(n))
}

// GenerationLoaded records a configuration load and the resulting item count.
func (m *Metrics) GenerationLoaded(ok bool, items int) {
	m.reloads.WithLabelValues(result(ok)).Inc()
	if ok {
		m.items.Set(float64(items))
	}
}

// ItemChanged counts a change by its source.
func (m *Metrics) ItemChanged(ch item.Change) {
	m.itemChanges.WithLabelValues(string(ch.Source)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
