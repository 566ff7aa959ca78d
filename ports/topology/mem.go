package topology

import (
	"context"
	"maps"
	"slices"
	"sync"
)

type MemStore struct {
	mu      sync.RWMutex
	specs   map[string]ClusterSpec
	version uint64
}

func NewMemStore(specs ...ClusterSpec) *MemStore {
	m := &MemStore{specs: map[string]ClusterSpec{}}
	for _, s := range specs {
		m.version++
		s.Version = m.version
		m.specs[s.Name] = s
	}
	return m
}

func (m *MemStore) Get(_ context.Context, name string) (ClusterSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.specs[name]
	if !ok {
		return ClusterSpec{}, ErrNotFound
	}
	s.Partitions = slices.Clone(s.Partitions)
	return s, nil
}

func (m *MemStore) Put(_ context.Context, spec ClusterSpec) (uint64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	spec.Version = m.version
	spec.Partitions = slices.Clone(spec.Partitions)
	m.specs[spec.Name] = spec
	return spec.Version, nil
}

func (m *MemStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.specs, name)
	return nil
}

func (m *MemStore) List(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.specs)), nil
}

var _ Store = (*MemStore)(nil)
