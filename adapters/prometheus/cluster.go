package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridl/plproxy/core/cluster"
	"github.com/gridl/plproxy/core/metrics"
)

// clusterMetrics implements cluster.Metrics using Prometheus.
type clusterMetrics struct {
	callDuration       *prometheus.HistogramVec
	callsTotal         *prometheus.CounterVec
	callErrors         *prometheus.CounterVec
	partitionsTagged   *prometheus.HistogramVec
	connectionsOpened  *prometheus.CounterVec
	connectionsDropped *prometheus.CounterVec
	tuningTotal        *prometheus.CounterVec
	cancelsTotal       *prometheus.CounterVec
	rowsStreamed       *prometheus.CounterVec
}

// NewClusterMetrics creates a new Prometheus implementation of cluster.Metrics
// and registers its collectors with reg.
func NewClusterMetrics(reg prometheus.Registerer) cluster.Metrics {
	m := &clusterMetrics{
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plproxy_call_duration_seconds",
			Help:    "Remote call latency in seconds, from selection to the last result",
			Buckets: defaultBuckets,
		}, []string{"cluster", "policy"}),

		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_calls_total",
			Help: "Total number of remote calls",
		}, []string{"cluster", "policy", "success"}),

		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_call_errors_total",
			Help: "Total number of failed remote calls by error kind",
		}, []string{"cluster", "kind"}),

		partitionsTagged: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plproxy_partitions_tagged",
			Help:    "Number of partitions a call was sent to",
			Buckets: partitionBuckets,
		}, []string{"cluster"}),

		connectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_connections_opened_total",
			Help: "Total number of partition connections opened",
		}, []string{"cluster"}),

		connectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_connections_dropped_total",
			Help: "Total number of partition connections dropped",
		}, []string{"cluster", "reason"}),

		tuningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_tuning_total",
			Help: "Total number of session tuning batches sent",
		}, []string{"cluster"}),

		cancelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_cancels_total",
			Help: "Total number of cancel requests sent to partitions",
		}, []string{"cluster"}),

		rowsStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plproxy_rows_streamed_total",
			Help: "Total number of result rows returned to callers",
		}, []string{"cluster"}),
	}

	reg.MustRegister(
		m.callDuration,
		m.callsTotal,
		m.callErrors,
		m.partitionsTagged,
		m.connectionsOpened,
		m.connectionsDropped,
		m.tuningTotal,
		m.cancelsTotal,
		m.rowsStreamed,
	)

	return m
}

func (m *clusterMetrics) CallDuration(cl, policy string) metrics.Timer {
	return newTimer(m.callDuration.WithLabelValues(cl, policy))
}

func (m *clusterMetrics) CallCompleted(cl, policy string, success bool) {
	m.callsTotal.WithLabelValues(cl, policy, boolToStr(success)).Inc()
}

func (m *clusterMetrics) CallError(cl, kind string) {
	m.callErrors.WithLabelValues(cl, kind).Inc()
}

func (m *clusterMetrics) PartitionsTagged(cl string, count int) {
	m.partitionsTagged.WithLabelValues(cl).Observe(float64(count))
}

func (m *clusterMetrics) ConnectionOpened(cl string) {
	m.connectionsOpened.WithLabelValues(cl).Inc()
}

func (m *clusterMetrics) ConnectionDropped(cl, reason string) {
	m.connectionsDropped.WithLabelValues(cl, reason).Inc()
}

func (m *clusterMetrics) TuningSent(cl string) {
	m.tuningTotal.WithLabelValues(cl).Inc()
}

func (m *clusterMetrics) CancelsSent(cl string, count int) {
	m.cancelsTotal.WithLabelValues(cl).Add(float64(count))
}

func (m *clusterMetrics) RowsStreamed(cl string, count int) {
	m.rowsStreamed.WithLabelValues(cl).Add(float64(count))
}

// Ensure clusterMetrics implements cluster.Metrics.
var _ cluster.Metrics = (*clusterMetrics)(nil)
