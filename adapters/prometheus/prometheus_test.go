package prometheus

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridl/plproxy/core/cluster"
	"github.com/gridl/plproxy/core/query"
)

func TestNewClusterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClusterMetrics(reg)

	require.NotNil(t, m)

	// Test call operations
	timer := m.CallDuration("users", "hash")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.CallCompleted("users", "hash", true)
	m.CallCompleted("users", "hash", false)
	m.CallError("users", "timeout")
	m.PartitionsTagged("users", 4)

	// Test connections
	m.ConnectionOpened("users")
	m.ConnectionDropped("users", "lifetime")
	m.TuningSent("users")

	// Test cancellation and streaming
	m.CancelsSent("users", 3)
	m.RowsStreamed("users", 10)

	// Verify metrics were registered
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["plproxy_call_duration_seconds"])
	assert.True(t, names["plproxy_calls_total"])
	assert.True(t, names["plproxy_call_errors_total"])
	assert.True(t, names["plproxy_partitions_tagged"])
	assert.True(t, names["plproxy_connections_dropped_total"])
	assert.True(t, names["plproxy_cancels_total"])
	assert.True(t, names["plproxy_rows_streamed_total"])

	cm := m.(*clusterMetrics)
	assert.Equal(t, 3.0, testutil.ToFloat64(cm.cancelsTotal.WithLabelValues("users")))
	assert.Equal(t, 10.0, testutil.ToFloat64(cm.rowsStreamed.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cm.callsTotal.WithLabelValues("users", "hash", "false")))
}

func TestClusterMetrics_wired(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClusterMetrics(reg)

	d := cluster.CreateMemoryDriver(t, 2, func(i int) cluster.ShardHandler {
		return func(_ context.Context, _ cluster.Request) ([]*cluster.SubResult, error) {
			return []*cluster.SubResult{cluster.RowsResult([]string{"v"}, []any{i})}, nil
		}
	})
	c := cluster.CreateTestCluster(t, d, 2, func(o *cluster.Options) {
		o.Name = "wired"
		o.Metrics = m
	})

	s, err := c.Execute(t.Context(), &cluster.Call{
		Policy: cluster.PolicyAll,
		Query:  query.Statement{SQL: "select v()"},
		Shape:  cluster.ScalarShape(),
	})
	require.NoError(t, err)
	for _, err := range s.All() {
		require.NoError(t, err)
	}

	cm := m.(*clusterMetrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(cm.connectionsOpened.WithLabelValues("wired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(cm.rowsStreamed.WithLabelValues("wired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cm.callsTotal.WithLabelValues("wired", "all", "true")))
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}
