package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testServerVersion = "16.2"

// TestTarget is the connection target CreateTestCluster gives partition i.
func TestTarget(i int) string { return fmt.Sprintf("mem://part-%d", i) }

// CreateMemoryDriver registers n in-memory shards that report the same
// server version and encoding as the test cluster's local settings.
func CreateMemoryDriver(t *testing.T, n int, handler func(partition int) ShardHandler) *MemoryDriver {
	t.Helper()
	d := NewMemoryDriver()
	for i := range n {
		var h ShardHandler
		if handler != nil {
			h = handler(i)
		}
		d.AddShard(TestTarget(i), MemoryShard{
			Params: map[string]string{
				"server_version":  testServerVersion,
				"client_encoding": "UTF8",
			},
			Handler: h,
		})
	}
	t.Cleanup(func() {
		require.Eventually(t, func() bool { return d.OpenSessions() == 0 }, time.Second, 5*time.Millisecond,
			"memory driver sessions left open")
	})
	return d
}

// CreateTestCluster builds an n partition cluster on driver and closes it
// when the test ends. opts may adjust the options before the cluster is built.
func CreateTestCluster(t *testing.T, driver Driver, n int, opts ...func(*Options)) *Cluster {
	t.Helper()
	o := Options{
		Name:         "test",
		Partitions:   make([]string, n),
		Driver:       driver,
		PollInterval: 10 * time.Millisecond,
		Local: LocalSettings{
			ServerVersion: testServerVersion,
			Params:        map[string]string{"client_encoding": "UTF8"},
		},
	}
	for i := range n {
		o.Partitions[i] = TestTarget(i)
	}
	for _, fn := range opts {
		fn(&o)
	}

	c, err := NewCluster(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c
}
