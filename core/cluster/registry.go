package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gridl/plproxy/ports/topology"
)

type RegistryOptions struct {
	Store topology.Store
	// Template supplies the options of every cluster built. Name, Partitions
	// and Config come from the stored spec.
	Template Options
	// CheckInterval is how long a cached cluster is used before its spec
	// version is checked again. 0 checks on every lookup.
	CheckInterval time.Duration
	Log           *slog.Logger
}

// Registry resolves cluster names through a topology store and caches the
// clusters it builds. A cluster whose stored spec changed is replaced; the
// old one is closed once its running call, if any, is done. Calls started on
// a replaced cluster fail with ErrClusterRetired; Execute retries those on
// the current cluster.
type Registry struct {
	opts RegistryOptions
	log  *slog.Logger
	now  func() time.Time

	sf      singleflight.Group
	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	cl        *Cluster
	version   uint64
	checkedAt time.Time
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry: Options.Store is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.Template.Log == nil {
		opts.Template.Log = log
	}
	return &Registry{
		opts:    opts,
		log:     log.With(slog.String("component", "registry")),
		now:     time.Now,
		entries: make(map[string]*registryEntry),
	}, nil
}

// Cluster returns the cluster called name, building it on first use.
func (r *Registry) Cluster(ctx context.Context, name string) (*Cluster, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClusterClosed
	}
	if e := r.entries[name]; e != nil && r.opts.CheckInterval > 0 && r.now().Sub(e.checkedAt) < r.opts.CheckInterval {
		r.mu.Unlock()
		return e.cl, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(name, func() (any, error) {
		return r.load(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cluster), nil
}

// retireAttempts bounds how often Execute follows reloads racing the call.
const retireAttempts = 3

// Execute resolves the cluster called name and runs call on it. A call
// refused because a reload retired the cluster in the meantime is retried
// on the cluster the registry resolves now.
func (r *Registry) Execute(ctx context.Context, name string, call *Call) (*Stream, error) {
	var err error
	for range retireAttempts {
		var c *Cluster
		c, err = r.Cluster(ctx, name)
		if err != nil {
			return nil, err
		}
		var s *Stream
		s, err = c.Execute(ctx, call)
		if !errors.Is(err, ErrClusterRetired) {
			return s, err
		}
		r.log.Debug("cluster retired under call, retrying", slog.String("cluster", name))
	}
	return nil, err
}

func (r *Registry) load(ctx context.Context, name string) (*Cluster, error) {
	spec, err := r.opts.Store.Get(ctx, name)
	if errors.Is(err, topology.ErrNotFound) {
		r.Invalidate(name)
	}
	if err != nil {
		return nil, fmt.Errorf("load cluster %s: %w", name, err)
	}

	r.mu.Lock()
	if e := r.entries[name]; e != nil && e.version == spec.Version {
		e.checkedAt = r.now()
		r.mu.Unlock()
		return e.cl, nil
	}
	r.mu.Unlock()

	opts := r.opts.Template
	opts.Name = spec.Name
	opts.Partitions = spec.Partitions
	opts.Config = ConfigFromSpec(spec.Config)
	cl, err := NewCluster(opts)
	if err != nil {
		return nil, fmt.Errorf("build cluster %s: %w", name, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = cl.Close()
		return nil, ErrClusterClosed
	}
	old := r.entries[name]
	r.entries[name] = &registryEntry{cl: cl, version: spec.Version, checkedAt: r.now()}
	r.mu.Unlock()

	if old != nil {
		r.log.Info("cluster reloaded",
			slog.String("cluster", name),
			slog.Uint64("version", spec.Version),
			slog.Uint64("previous", old.version),
		)
		old.cl.retire()
	} else {
		r.log.Debug("cluster loaded", slog.String("cluster", name), slog.Int("partitions", len(spec.Partitions)))
	}
	return cl, nil
}

// Invalidate forgets the cached cluster called name. It is closed once its
// running call, if any, is done.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	e := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if e != nil {
		e.cl.retire()
	}
}

// Names returns the names of the cached clusters.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Close closes every cached cluster, cancelling running calls.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, e.cl.Close())
	}
	return errors.Join(errs...)
}

// ConfigFromSpec converts stored cluster tuning to Config.
func ConfigFromSpec(c topology.Config) Config {
	return Config{
		ConnectTimeout:     c.ConnectTimeout,
		QueryTimeout:       c.QueryTimeout,
		ConnectionLifetime: c.ConnectionLifetime,
		DisableBinary:      c.DisableBinary,
		WrapPartitions:     c.WrapPartitions,
	}
}
