package cluster

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridl/plproxy/core/query"
)

// partitionRows answers every query with a single row holding the partition.
func partitionRows(i int) ShardHandler {
	return func(ctx context.Context, req Request) ([]*SubResult, error) {
		return []*SubResult{RowsResult([]string{"part"}, []any{i})}, nil
	}
}

// blockUntilCanceled answers only once the running statement is cancelled.
func blockUntilCanceled(started chan<- int) func(int) ShardHandler {
	return func(i int) ShardHandler {
		return func(ctx context.Context, req Request) ([]*SubResult, error) {
			if started != nil {
				started <- i
			}
			<-ctx.Done()
			return []*SubResult{ErrorResult("canceling statement due to user request")}, nil
		}
	}
}

func keys(k ...any) KeyDeriver {
	return KeyFunc(func(context.Context, *Call) ([]any, error) { return k, nil })
}

func scalarCall(p Policy) *Call {
	return &Call{
		Policy: p,
		Query:  query.Statement{SQL: "select part()"},
		Shape:  ScalarShape(),
	}
}

func collect(t *testing.T, c *Cluster, call *Call) ([]Row, error) {
	t.Helper()
	s, err := c.Execute(t.Context(), call)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for row, err := range s.All() {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func TestNewCluster(t *testing.T) {
	d := CreateMemoryDriver(t, 4, nil)

	_, err := NewCluster(Options{Driver: d})
	require.ErrorIs(t, err, ErrNoPartitions)

	_, err = NewCluster(Options{Partitions: []string{"a"}})
	require.Error(t, err)

	_, err = NewCluster(Options{Driver: d, Partitions: []string{"a", "b", "c"}})
	require.ErrorIs(t, err, ErrPartitionCount)

	for n, mask := range map[int]int{1: 0, 2: 1, 4: 3, 8: 7, 16: 15} {
		c := CreateTestCluster(t, d, n)
		require.Equal(t, n, c.Partitions())
		require.Equal(t, mask, c.Mask())
		for i := range n {
			require.Same(t, c.Connection(i), c.Slot(i))
		}
	}
}

func TestNewCluster_WrapPartitions(t *testing.T) {
	d := CreateMemoryDriver(t, 6, partitionRows)
	c := CreateTestCluster(t, d, 6, func(o *Options) {
		o.Config.WrapPartitions = true
	})

	require.Equal(t, 6, c.Partitions())
	require.Equal(t, 7, c.Mask())
	require.Same(t, c.Connection(2), c.Slot(6))
	require.Same(t, c.Connection(3), c.Slot(7))

	c.keys = keys(int32(7))
	rows, err := collect(t, c, scalarCall(PolicyHash))
	require.NoError(t, err)
	require.Equal(t, []Row{{"3"}}, rows)
}

func TestCluster_Close(t *testing.T) {
	d := CreateMemoryDriver(t, 2, partitionRows)
	c := CreateTestCluster(t, d, 2)

	_, err := collect(t, c, scalarCall(PolicyAll))
	require.NoError(t, err)
	require.Equal(t, 2, d.OpenSessions())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 0, d.OpenSessions())
	require.Equal(t, StateNone, c.Connection(0).State())

	_, err = c.Execute(t.Context(), scalarCall(PolicyAll))
	require.ErrorIs(t, err, ErrClusterClosed)
}

func TestCluster_Close_open_stream(t *testing.T) {
	d := CreateMemoryDriver(t, 2, partitionRows)
	c := CreateTestCluster(t, d, 2)

	s, err := c.Execute(t.Context(), scalarCall(PolicyAll))
	require.NoError(t, err)

	// sessions stay up while the stream owns the cluster
	require.NoError(t, c.Close())
	require.Equal(t, 2, d.OpenSessions())

	row, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, Row{"0"}, row)

	require.NoError(t, s.Close())
	require.Equal(t, 0, d.OpenSessions())
}

func TestCluster_one_call_at_a_time(t *testing.T) {
	d := CreateMemoryDriver(t, 2, partitionRows)
	c := CreateTestCluster(t, d, 2)

	s, err := c.Execute(t.Context(), scalarCall(PolicyAll))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Execute(ctx, scalarCall(PolicyAll))
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, KindCanceled, KindOf(err))

	require.NoError(t, s.Close())

	rows, err := collect(t, c, scalarCall(PolicyAll))
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestCallError(t *testing.T) {
	err := error(&CallError{Kind: KindTimeout, Shard: 3, Target: "host=x password=secret", Err: ErrQueryTimeout})
	require.Equal(t, "plproxy: shard 3: query timeout", err.Error())
	require.NotContains(t, err.Error(), "secret")
	require.ErrorIs(t, err, ErrQueryTimeout)
	require.Equal(t, KindTimeout, KindOf(err))

	require.Equal(t, "plproxy: lost result", callErr(KindInternal, ErrLostResult).Error())
	require.Equal(t, KindInternal, KindOf(errors.New("other")))
	require.Equal(t, "timeout", KindTimeout.String())
}

func TestStream_EOF_is_sticky(t *testing.T) {
	d := CreateMemoryDriver(t, 1, partitionRows)
	c := CreateTestCluster(t, d, 1)

	s, err := c.Execute(t.Context(), scalarCall(PolicyAll))
	require.NoError(t, err)

	_, err = s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())
}
