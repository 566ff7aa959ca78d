package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridl/plproxy/ports/topology"
)

func createTestRegistry(t *testing.T, store topology.Store, driver Driver) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryOptions{
		Store: store,
		Template: Options{
			Driver:       driver,
			PollInterval: 10 * time.Millisecond,
			Local: LocalSettings{
				ServerVersion: testServerVersion,
				Params:        map[string]string{"client_encoding": "UTF8"},
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r
}

func TestRegistry(t *testing.T) {
	d := CreateMemoryDriver(t, 4, partitionRows)
	store := topology.NewMemStore(topology.ClusterSpec{
		Name:       "users",
		Partitions: []string{TestTarget(0), TestTarget(1)},
		Config:     topology.Config{QueryTimeout: time.Second},
	})
	r := createTestRegistry(t, store, d)

	c, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.Equal(t, "users", c.Name())
	require.Equal(t, 2, c.Partitions())
	require.Equal(t, time.Second, c.cfg.QueryTimeout)

	rows, err := collect(t, c, scalarCall(PolicyAll))
	require.NoError(t, err)
	require.Equal(t, []Row{{"0"}, {"1"}}, rows)

	again, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.Same(t, c, again)
	require.Equal(t, []string{"users"}, r.Names())

	_, err = r.Cluster(t.Context(), "orders")
	require.ErrorIs(t, err, topology.ErrNotFound)
}

func TestRegistry_reload(t *testing.T) {
	d := CreateMemoryDriver(t, 4, partitionRows)
	store := topology.NewMemStore(topology.ClusterSpec{
		Name:       "users",
		Partitions: []string{TestTarget(0), TestTarget(1)},
	})
	r := createTestRegistry(t, store, d)

	old, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	s, err := old.Execute(t.Context(), scalarCall(PolicyAll))
	require.NoError(t, err)

	_, err = store.Put(t.Context(), topology.ClusterSpec{
		Name:       "users",
		Partitions: []string{TestTarget(0), TestTarget(1), TestTarget(2), TestTarget(3)},
	})
	require.NoError(t, err)

	c, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.NotSame(t, old, c)
	require.Equal(t, 4, c.Partitions())

	// the stream on the replaced cluster keeps working
	var rows []Row
	for row, err := range s.All() {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)

	_, err = old.Execute(t.Context(), scalarCall(PolicyAll))
	require.ErrorIs(t, err, ErrClusterClosed)
	require.ErrorIs(t, err, ErrClusterRetired)

	rows, err = collect(t, c, scalarCall(PolicyAll))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	s, err = r.Execute(t.Context(), "users", scalarCall(PolicyAll))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestRegistry_Execute_retries_retired_cluster(t *testing.T) {
	d := CreateMemoryDriver(t, 2, partitionRows)
	store := topology.NewMemStore(topology.ClusterSpec{
		Name:       "users",
		Partitions: []string{TestTarget(0), TestTarget(1)},
	})
	r := createTestRegistry(t, store, d)
	r.opts.CheckInterval = time.Hour

	old, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	s, err := old.Execute(t.Context(), scalarCall(PolicyAll))
	require.NoError(t, err)

	resolved := make(chan struct{})
	var once sync.Once
	now := r.now
	r.now = func() time.Time {
		once.Do(func() { close(resolved) })
		return now()
	}

	type result struct {
		rows []Row
		err  error
	}
	done := make(chan result, 1)
	go func() {
		s, err := r.Execute(t.Context(), "users", scalarCall(PolicyAll))
		if err != nil {
			done <- result{err: err}
			return
		}
		var rows []Row
		for row, err := range s.All() {
			if err != nil {
				done <- result{err: err}
				return
			}
			rows = append(rows, row)
		}
		done <- result{rows: rows}
	}()

	// the call resolved the cached cluster and waits for the open stream
	<-resolved
	r.Invalidate("users")
	require.NoError(t, s.Close())

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []Row{{"0"}, {"1"}}, res.rows)

	_, err = old.Execute(t.Context(), scalarCall(PolicyAll))
	require.ErrorIs(t, err, ErrClusterRetired)
	require.Equal(t, KindInternal, KindOf(err))

	// a cluster closed outright is not retried
	c, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.Execute(t.Context(), scalarCall(PolicyAll))
	require.ErrorIs(t, err, ErrClusterClosed)
	require.NotErrorIs(t, err, ErrClusterRetired)
}

func TestRegistry_Invalidate(t *testing.T) {
	d := CreateMemoryDriver(t, 2, partitionRows)
	store := topology.NewMemStore(topology.ClusterSpec{
		Name:       "users",
		Partitions: []string{TestTarget(0), TestTarget(1)},
	})
	r := createTestRegistry(t, store, d)

	c, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	_, err = collect(t, c, scalarCall(PolicyAll))
	require.NoError(t, err)
	require.Equal(t, 2, d.OpenSessions())

	r.Invalidate("users")
	require.Equal(t, 0, d.OpenSessions())
	require.Empty(t, r.Names())

	c2, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.NotSame(t, c, c2)

	// deleted specs drop the cached cluster
	require.NoError(t, store.Delete(t.Context(), "users"))
	_, err = r.Cluster(t.Context(), "users")
	require.ErrorIs(t, err, topology.ErrNotFound)
	require.Empty(t, r.Names())
}

func TestRegistry_CheckInterval(t *testing.T) {
	d := CreateMemoryDriver(t, 2, partitionRows)
	store := topology.NewMemStore(topology.ClusterSpec{Name: "users", Partitions: []string{TestTarget(0)}})
	r := createTestRegistry(t, store, d)
	r.opts.CheckInterval = time.Minute
	now := time.Now()
	r.now = func() time.Time { return now }

	c, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)

	_, err = store.Put(t.Context(), topology.ClusterSpec{Name: "users", Partitions: []string{TestTarget(0), TestTarget(1)}})
	require.NoError(t, err)

	cached, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.Same(t, c, cached)

	now = now.Add(2 * time.Minute)
	fresh, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.Equal(t, 2, fresh.Partitions())
}

func TestRegistry_Close(t *testing.T) {
	d := CreateMemoryDriver(t, 1, partitionRows)
	store := topology.NewMemStore(topology.ClusterSpec{Name: "users", Partitions: []string{TestTarget(0)}})
	r := createTestRegistry(t, store, d)

	_, err := r.Cluster(t.Context(), "users")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Cluster(t.Context(), "users")
	require.ErrorIs(t, err, ErrClusterClosed)
}
