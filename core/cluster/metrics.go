package cluster

import "github.com/gridl/plproxy/core/metrics"

// Metrics is the instrumentation port of the router. All methods must be
// safe for concurrent use; labels are low-cardinality (cluster names,
// policies, error kinds).
type Metrics interface {
	// Calls
	CallDuration(cluster string, policy string) metrics.Timer
	CallCompleted(cluster string, policy string, success bool)
	CallError(cluster string, kind string)
	PartitionsTagged(cluster string, count int)

	// Connections: reason is one of lifetime, unstable, stale, closed
	ConnectionOpened(cluster string)
	ConnectionDropped(cluster string, reason string)
	TuningSent(cluster string)

	// Cancellation and streaming
	CancelsSent(cluster string, count int)
	RowsStreamed(cluster string, count int)
}

type nopMetrics struct{}

func (nopMetrics) CallDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CallCompleted(string, string, bool)        {}
func (nopMetrics) CallError(string, string)                  {}
func (nopMetrics) PartitionsTagged(string, int)              {}

func (nopMetrics) ConnectionOpened(string)          {}
func (nopMetrics) ConnectionDropped(string, string) {}
func (nopMetrics) TuningSent(string)                {}

func (nopMetrics) CancelsSent(string, int)  {}
func (nopMetrics) RowsStreamed(string, int) {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
