package calltrace

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors a Tracer reports to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	traces        *prometheus.CounterVec
	traceDuration prometheus.Histogram
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	nodes         *prometheus.CounterVec
	failures      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		traces: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calltrace",
			Name:      "traces_total",
			Help:      "Traces run, by outcome (complete, partial, error).",
		}, []string{"outcome"}),
		traceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "calltrace",
			Name:      "trace_duration_seconds",
			Help:      "Wall time of a trace.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calltrace",
			Name:      "oracle_queries_total",
			Help:      "Caller oracle queries, by source (primary, fallback) and result.",
		}, []string{"source", "result"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "calltrace",
			Name:      "oracle_query_duration_seconds",
			Help:      "Latency of caller oracle queries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"source"}),
		nodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calltrace",
			Name:      "nodes_total",
			Help:      "Traversal nodes created, by terminal state.",
		}, []string{"state"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calltrace",
			Name:      "category_failures_total",
			Help:      "Category builders that failed.",
		}, []string{"category"}),
	}
}

func (m *Metrics) observeQuery(source string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrOracleUnavailable):
		result = "unavailable"
	case isQueryTimeout(err):
		result = "timeout"
	default:
		result = "error"
	}
	m.queries.WithLabelValues(source, result).Inc()
	m.queryDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) observeNode(state NodeState) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) observeFailure(c Category) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) observeTrace(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.traces.WithLabelValues(outcome).Inc()
	m.traceDuration.Observe(d.Seconds())
}
