package hashkey

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestText_Stable(t *testing.T) {
	require.Equal(t, Text("user:1"), Text("user:1"))
	require.Equal(t, Text("user:1"), Bytes([]byte("user:1")))
	require.NotEqual(t, Text("user:1"), Text("user:2"))
}

func TestText_Spread(t *testing.T) {
	const mask = 7
	seen := make(map[int32]int)
	for i := 0; i < 4000; i++ {
		seen[Text(fmt.Sprintf("key-%d", i))&mask]++
	}
	require.Len(t, seen, mask+1)
	for slot, n := range seen {
		require.Greater(t, n, 300, "slot %d underused", slot)
	}
}
