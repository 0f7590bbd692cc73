package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sandbox"

// Metrics holds the Prometheus instruments of the sandbox service.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	ProvisionsTotal        prometheus.Counter
	ProvisionFailuresTotal prometheus.Counter
	ResetsTotal            prometheus.Counter

	EvictionsTotal      *prometheus.CounterVec
	EvictionErrorsTotal prometheus.Counter
	SweepDuration       prometheus.Histogram
	KnownTenants        prometheus.Gauge
}

// New creates all instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status code",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "executions_total",
			Help:      "Total number of executed statements by class and outcome",
		}, []string{"kind", "outcome"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Histogram of statement execution durations, connection setup included",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind"}),

		ProvisionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "provisions_total",
			Help:      "Total number of tenant databases bootstrapped on first contact",
		}),
		ProvisionFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "provision_failures_total",
			Help:      "Total number of failed bootstrap attempts",
		}),
		ResetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "resets_total",
			Help:      "Total number of tenant database resets",
		}),

		EvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "evictions_total",
			Help:      "Total number of evicted tenants by reason",
		}, []string{"reason"}),
		EvictionErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "eviction_errors_total",
			Help:      "Total number of tenants the sweeper failed to evaluate or evict",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "pass_duration_seconds",
			Help:      "Histogram of eviction pass durations",
			Buckets:   prometheus.DefBuckets,
		}),
		KnownTenants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "known_tenants",
			Help:      "Number of tenants with a liveness marker at the end of the last pass",
		}),
	}
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, statusLabel(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveQuery(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(kind, outcome).Inc()
	m.QueryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) IncProvision(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ProvisionsTotal.Inc()
		return
	}
	m.ProvisionFailuresTotal.Inc()
}

func (m *Metrics) IncReset() {
	if m == nil {
		return
	}
	m.ResetsTotal.Inc()
}

func (m *Metrics) IncEviction(reason string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncEvictionError() {
	if m == nil {
		return
	}
	m.EvictionErrorsTotal.Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration, known int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	m.KnownTenants.Set(float64(known))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
