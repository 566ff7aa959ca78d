package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/gridl/plproxy/ports/topology"
)

const DefaultBucket = "plproxy_topology"

type TopologyConfig struct {
	Connect Connector
	Bucket  string
	Log     *slog.Logger
}

// TopologyStore implements topology.Store on a JetStream key-value bucket.
// Keys are cluster names, values JSON encoded specs; the entry revision is
// ClusterSpec.Version.
type TopologyStore struct {
	kv    jetstream.KeyValue
	close closeFunc
	log   *slog.Logger
}

func NewTopologyStore(ctx context.Context, cfg TopologyConfig) (*TopologyStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeConn, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "plproxy cluster topology",
		History:     5,
		Storage:     jetstream.FileStorage,
		MaxBytes:    8 * 1024 * 1024,
	})
	if err != nil {
		closeConn()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return &TopologyStore{
		kv:    kv,
		close: closeConn,
		log:   log.With(slog.String("component", "topology"), slog.String("bucket", bucket)),
	}, nil
}

func (s *TopologyStore) Get(ctx context.Context, name string) (topology.ClusterSpec, error) {
	entry, err := s.kv.Get(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return topology.ClusterSpec{}, topology.ErrNotFound
		}
		return topology.ClusterSpec{}, fmt.Errorf("failed to get cluster %s: %w", name, err)
	}

	var spec topology.ClusterSpec
	if err := json.Unmarshal(entry.Value(), &spec); err != nil {
		return topology.ClusterSpec{}, fmt.Errorf("decode cluster %s: %w", name, err)
	}
	spec.Name = name
	spec.Version = entry.Revision()
	return spec, nil
}

func (s *TopologyStore) Put(ctx context.Context, spec topology.ClusterSpec) (uint64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Put(ctx, spec.Name, data)
	if err != nil {
		return 0, fmt.Errorf("failed to put cluster %s: %w", spec.Name, err)
	}
	s.log.Info("cluster stored",
		slog.String("cluster", spec.Name),
		slog.Int("partitions", len(spec.Partitions)),
		slog.Uint64("version", rev),
	)
	return rev, nil
}

func (s *TopologyStore) Delete(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, name); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete cluster %s: %w", name, err)
	}
	return nil
}

func (s *TopologyStore) List(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer lister.Stop()

	var names []string
	for name := range lister.Keys() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Watch calls fn with the name of every cluster put or deleted after the
// call, until ctx is done. Pair it with Registry.Invalidate to drop stale
// clusters without waiting for the check interval.
func (s *TopologyStore) Watch(ctx context.Context, fn func(name string)) error {
	w, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return err
	}
	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry != nil {
					fn(entry.Key())
				}
			}
		}
	}()
	return nil
}

func (s *TopologyStore) Close() {
	s.close()
}

var _ topology.Store = (*TopologyStore)(nil)
