package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	s := NewMemStore()

	_, err := s.Get(t.Context(), "users")
	require.ErrorIs(t, err, ErrNotFound)

	v1, err := s.Put(t.Context(), ClusterSpec{Name: "users", Partitions: []string{"a", "b"}})
	require.NoError(t, err)
	v2, err := s.Put(t.Context(), ClusterSpec{Name: "orders", Partitions: []string{"c"}})
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	loaded, err := s.Get(t.Context(), "users")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, loaded.Partitions)
	require.Equal(t, v1, loaded.Version)

	names, err := s.List(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "users"}, names)

	require.NoError(t, s.Delete(t.Context(), "users"))
	_, err = s.Get(t.Context(), "users")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClusterSpec_Validate(t *testing.T) {
	require.NoError(t, ClusterSpec{Name: "users_1", Partitions: []string{"x"}}.Validate())
	require.ErrorIs(t, ClusterSpec{Name: "bad name", Partitions: []string{"x"}}.Validate(), ErrInvalidSpec)
	require.ErrorIs(t, ClusterSpec{Name: "users"}.Validate(), ErrInvalidSpec)
	require.ErrorIs(t, ClusterSpec{Name: "users", Partitions: []string{"x", ""}}.Validate(), ErrInvalidSpec)

	_, err := NewMemStore().Put(t.Context(), ClusterSpec{Name: ""})
	require.ErrorIs(t, err, ErrInvalidSpec)
}
