// Package cluster routes one logical call across a partitioned set of
// PostgreSQL shards and merges the per-shard results.
//
// A [Cluster] is a fixed, ordered list of partitions, each backed by one
// [Connection]. Running a [Call] goes through three steps:
//
//   - Selection: the call's [Policy] tags the partitions that must run it.
//     Hash calls derive integer routing keys through a [KeyDeriver]; each
//     key picks partition key & Mask().
//   - Scatter: every tagged connection is (re)connected if needed, tuned to
//     the local session settings and sent the query. A [Multiplexer] runs
//     the network operations concurrently and feeds completion events back
//     to the calling goroutine, which enforces connect and query timeouts.
//   - Gather: once every shard answered, each non-empty result is mapped to
//     the expected [ResultShape]. A [Stream] then yields the rows of every
//     partition in partition order.
//
// Calls are all or nothing and surface a single [*CallError]. A connect,
// protocol, timeout or routing failure aborts the call and sends cancel
// requests to the shards still running. Shape failures are found after all
// shards are done, so nothing is cancelled, and Execute fails before any
// row is streamed.
//
// # Usage
//
//	c, err := cluster.NewCluster(cluster.Options{
//	    Name:       "users",
//	    Partitions: []string{"host=db0 dbname=users", "host=db1 dbname=users"},
//	    Driver:     pgx.NewDriver(pgx.DriverOptions{}),
//	    KeyDeriver: cluster.HashTextKeys(0),
//	})
//
//	stream, err := c.Execute(ctx, &cluster.Call{
//	    Policy: cluster.PolicyHash,
//	    Query:  query.StandardCall("get_user", args, true),
//	    Args:   []any{"alice"},
//	    Shape:  cluster.CompositeShape("id", "name"),
//	})
//	for row, err := range stream.All() {
//	    ...
//	}
//
// A cluster runs one call at a time; [Cluster.Cancel] is the only method
// meant to be called while a call is running on another goroutine. Use a
// [Registry] to resolve clusters by name from a topology store.
package cluster
