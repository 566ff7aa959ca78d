package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNats_Connect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats container test in short mode")
	}
	connect := NewTestContainer(t)

	nc1, disconnect1, err := connect()
	require.NoError(t, err)
	require.Equal(t, "CONNECTED", nc1.Status().String())
	require.Equal(t, "plproxy", nc1.Opts.Name)

	nc2, disconnect2, err := connect()
	require.NoError(t, err)
	require.NotSame(t, nc1, nc2)

	disconnect1()
	require.Equal(t, "CLOSED", nc1.Status().String())
	require.Equal(t, "CONNECTED", nc2.Status().String())
	disconnect2()
}
