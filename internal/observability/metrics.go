package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	PIIAnonymized     *prometheus.CounterVec
	SecureDeletes     *prometheus.CounterVec
	IntegrityFailures prometheus.Counter
	LockWait          prometheus.Histogram
	SweepCleaned      prometheus.Counter
	registry          prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// private registry so repeated construction never collides.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently held by the store.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		PIIAnonymized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pii_anonymized_total",
			Help:      "PII instances replaced with placeholders, by category.",
		}, []string{"category"}),
		SecureDeletes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secure_deletes_total",
			Help:      "Secure artifact deletions by result.",
		}, []string{"result"}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Sealed records or artifacts that failed authentication.",
		}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a per-session lock.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		SweepCleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_cleaned_total",
			Help:      "Sessions ended by the expiration sweep.",
		}),
		registry: gatherer,
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) AddActiveSessions(delta int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(float64(delta))
}

func (m *Metrics) PIIDetected(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PIIAnonymized.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) SecureDelete(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.SecureDeletes.WithLabelValues(result).Inc()
}

func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) SweepEnded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepCleaned.Add(float64(n))
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return MetricsHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
