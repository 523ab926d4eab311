package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "wasmgate"

// Metrics are the executor's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	compiles  prometheus.Counter
	instances prometheus.Counter
	sessions  prometheus.Gauge
	runs      *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		compiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "compiles_total",
			Help:      "Modules compiled.",
		}),
		instances: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "instances_created_total",
			Help:      "Instances created.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Open sessions.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Run and resume calls by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Time from run or resume until control returned to the host.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

func (m *Metrics) compiled() {
	if m != nil {
		m.compiles.Inc()
	}
}

func (m *Metrics) instanceCreated() {
	if m != nil {
		m.instances.Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcomeLabel(r)).Inc()
	m.duration.Observe(r.Duration.Seconds())
}

func outcomeLabel(r Result) string {
	if r.Error != nil {
		return "error"
	}
	return r.Run.Kind.String()
}
