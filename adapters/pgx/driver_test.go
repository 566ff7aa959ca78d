package pgx

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/gridl/plproxy/core/cluster"
	"github.com/gridl/plproxy/core/query"
)

const testPartitions = 2

// setupShards starts a server with one database per partition plus a
// local database. Every shard database answers part() with its index.
func setupShards(t *testing.T) (TestServer, []string) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	srv := NewTestContainer(t)
	srv.Exec(t, "postgres", "create database local")

	targets := make([]string, testPartitions)
	for i := range testPartitions {
		db := fmt.Sprintf("part%d", i)
		srv.Exec(t, "postgres", "create database "+db)
		srv.Exec(t, db, fmt.Sprintf(`
			create function part() returns int4 language sql as $$ select %d $$;
			create function echo(v text) returns table (part int4, v text)
				language sql as $$ select %d, v $$;
			create function fail() returns int4 language plpgsql as $$
				begin raise exception 'shard says no'; end $$;`, i, i))
		targets[i] = srv.DSN(db)
	}
	return srv, targets
}

func newTestCluster(t *testing.T, targets []string, opts ...func(*cluster.Options)) *cluster.Cluster {
	t.Helper()
	o := cluster.Options{
		Name:       "pg",
		Partitions: targets,
		Driver:     NewDriver(DriverOptions{}),
		Codec:      NewCodec(),
		Local:      cluster.DefaultLocalSettings(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := cluster.NewCluster(o)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func collect(t *testing.T, c *cluster.Cluster, call *cluster.Call) ([]cluster.Row, error) {
	t.Helper()
	s, err := c.Execute(t.Context(), call)
	if err != nil {
		return nil, err
	}
	var rows []cluster.Row
	for row, err := range s.All() {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func TestDriver(t *testing.T) {
	srv, targets := setupShards(t)

	local, err := NewLocalExecutor(t.Context(), LocalOptions{DSN: srv.DSN("local")})
	require.NoError(t, err)
	t.Cleanup(local.Close)

	settings, err := local.Settings(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, settings.ServerVersion)
	require.Equal(t, "UTF8", settings.Params["client_encoding"])

	c := newTestCluster(t, targets, func(o *cluster.Options) {
		o.KeyDeriver = local
		o.Local = settings
		o.Config.QueryTimeout = 2 * time.Second
	})

	t.Run("all", func(t *testing.T) {
		rows, err := collect(t, c, &cluster.Call{
			Policy: cluster.PolicyAll,
			Query:  query.Statement{SQL: "select part()"},
			Shape:  cluster.ScalarShape(),
		})
		require.NoError(t, err)
		// same branch as the local server, so int4 comes back binary
		require.Equal(t, []cluster.Row{{int32(0)}, {int32(1)}}, rows)
	})

	t.Run("hash", func(t *testing.T) {
		args := []query.Arg{{Name: "v", Type: "text"}}
		for _, key := range []int{2, 3, 7} {
			hashQuery, err := query.Parse(fmt.Sprintf("select %d", key), args, false)
			require.NoError(t, err)
			rows, err := collect(t, c, &cluster.Call{
				Policy:    cluster.PolicyHash,
				Query:     query.StandardCall("echo", args, true),
				HashQuery: hashQuery,
				Args:      []any{"hello"},
				ArgTypes:  []uint32{pgtype.TextOID},
				Shape:     cluster.CompositeShape("v", "part"),
			})
			require.NoError(t, err)
			require.Equal(t, []cluster.Row{{"hello", int32(key & 1)}}, rows)
		}
	})

	t.Run("hash multi-row", func(t *testing.T) {
		hashQuery, err := query.Parse("select unnest(array[0, 1, 3])", nil, false)
		require.NoError(t, err)
		rows, err := collect(t, c, &cluster.Call{
			Policy:    cluster.PolicyHash,
			Query:     query.Statement{SQL: "select part()"},
			HashQuery: hashQuery,
			MultiRow:  true,
			Shape:     cluster.ScalarShape(),
		})
		require.NoError(t, err)
		require.Equal(t, []cluster.Row{{int32(0)}, {int32(1)}}, rows)
	})

	t.Run("remote error", func(t *testing.T) {
		_, err := collect(t, c, &cluster.Call{
			Policy:    cluster.PolicyExact,
			Partition: 1,
			Query:     query.Statement{SQL: "select fail()"},
			Shape:     cluster.ScalarShape(),
		})
		require.ErrorIs(t, err, cluster.ErrRemoteQuery)
		require.ErrorContains(t, err, "shard says no")
		require.Equal(t, cluster.KindProtocol, cluster.KindOf(err))

		// the cluster recovers
		rows, err := collect(t, c, &cluster.Call{
			Policy:    cluster.PolicyExact,
			Partition: 1,
			Query:     query.Statement{SQL: "select part()"},
			Shape:     cluster.ScalarShape(),
		})
		require.NoError(t, err)
		require.Equal(t, []cluster.Row{{int32(1)}}, rows)
	})

	t.Run("query timeout", func(t *testing.T) {
		start := time.Now()
		_, err := collect(t, c, &cluster.Call{
			Policy: cluster.PolicyAll,
			Query:  query.Statement{SQL: "select pg_sleep(30)"},
			Shape:  cluster.VoidShape(),
		})
		require.ErrorIs(t, err, cluster.ErrQueryTimeout)
		require.Less(t, time.Since(start), 10*time.Second)
	})
}

func TestDriver_text_results(t *testing.T) {
	_, targets := setupShards(t)

	c := newTestCluster(t, targets, func(o *cluster.Options) {
		o.Config.DisableBinary = true
	})
	rows, err := collect(t, c, &cluster.Call{
		Policy: cluster.PolicyAll,
		Query:  query.Statement{SQL: "select part()"},
		Shape:  cluster.ScalarShape(),
	})
	require.NoError(t, err)
	// text int4 values still decode through pgtype
	require.Equal(t, []cluster.Row{{int32(0)}, {int32(1)}}, rows)
}

func TestDriver_tuning(t *testing.T) {
	_, targets := setupShards(t)

	c := newTestCluster(t, targets, func(o *cluster.Options) {
		o.Local.Params = map[string]string{"client_encoding": "LATIN1"}
	})
	rows, err := collect(t, c, &cluster.Call{
		Policy: cluster.PolicyAll,
		Query:  query.Statement{SQL: "select current_setting('client_encoding')"},
		Shape:  cluster.ScalarShape(),
	})
	require.NoError(t, err)
	require.Equal(t, []cluster.Row{{"LATIN1"}, {"LATIN1"}}, rows)
}

func TestDriver_connect_failed(t *testing.T) {
	c := newTestCluster(t, []string{"host=127.0.0.1 port=1 user=x password=secret dbname=x sslmode=disable connect_timeout=1"})
	_, err := collect(t, c, &cluster.Call{
		Policy: cluster.PolicyAll,
		Query:  query.Statement{SQL: "select 1"},
		Shape:  cluster.ScalarShape(),
	})
	require.ErrorIs(t, err, cluster.ErrConnectFailed)
	require.NotContains(t, err.Error(), "secret")
}
