package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridl/plproxy/core/cluster"
	"github.com/gridl/plproxy/core/query"
)

func TestRunFlags_buildCall(t *testing.T) {
	f := &runFlags{
		function: "get_user",
		argNames: []string{"username"},
		policy:   "hash",
		keySQL:   "select hashtext(username)",
		columns:  []string{"id", "name"},
	}
	call, err := f.buildCall([]string{"alice"})
	require.NoError(t, err)
	require.Equal(t, cluster.PolicyHash, call.Policy)
	require.Equal(t, query.Statement{SQL: "select * from get_user($1::text)", ArgLookup: []int{0}}, call.Query)
	require.Equal(t, query.Statement{SQL: "select hashtext($1::text)", ArgLookup: []int{0}}, call.HashQuery)
	require.Equal(t, []any{"alice"}, call.Args)
	require.Equal(t, cluster.CompositeShape("id", "name"), call.Shape)

	f = &runFlags{sql: "select $2 || $1", policy: "exact", partition: 3, void: true}
	call, err = f.buildCall([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, 3, call.Partition)
	require.Equal(t, []int{1, 0}, call.Query.ArgLookup)
	require.True(t, call.HashQuery.IsZero())
	require.Equal(t, cluster.VoidShape(), call.Shape)

	_, err = (&runFlags{sql: "select 1", policy: "some"}).buildCall(nil)
	require.ErrorIs(t, err, cluster.ErrUnknownPolicy)

	_, err = (&runFlags{sql: "select $3", policy: "all"}).buildCall([]string{"a"})
	require.ErrorIs(t, err, query.ErrArgRef)
}

func TestFormatRow(t *testing.T) {
	require.Equal(t, "1\talice\t\\N\t\\x0102", formatRow(cluster.Row{int32(1), "alice", nil, []byte{1, 2}}))
}

func TestTopologyCmd_requires_nats(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"topology", "list"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.ErrorContains(t, cmd.ExecuteContext(t.Context()), "nats.url")
}
