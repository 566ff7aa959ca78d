package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	defaultPollInterval  = time.Second
	defaultIdleCheck     = 2 * time.Second
	defaultCancelTimeout = 5 * time.Second
	defaultCloseTimeout  = time.Second
)

// Config is the per-cluster tuning loaded alongside the topology.
type Config struct {
	// ConnectTimeout bounds the connection handshake; 0 disables it.
	ConnectTimeout time.Duration
	// QueryTimeout bounds one shard query; 0 disables it.
	QueryTimeout time.Duration
	// ConnectionLifetime forces a reconnect of older sessions; 0 keeps them.
	ConnectionLifetime time.Duration
	// DisableBinary keeps arguments and results in text format.
	DisableBinary bool
	// WrapPartitions accepts a partition count that is not a power of 2.
	// Hash slots past the last partition are folded back into range.
	WrapPartitions bool
}

// LocalSettings describe the session the router itself runs in. Shards are
// tuned to match Params and binary transfer is only used when their server
// version is on the same major.minor branch as ServerVersion.
type LocalSettings struct {
	ServerVersion string
	Params        map[string]string
}

func DefaultLocalSettings() LocalSettings {
	return LocalSettings{
		Params: map[string]string{"client_encoding": "UTF8"},
	}
}

type Options struct {
	Name string
	// Partitions holds one connection target per partition, in partition order.
	Partitions []string
	Config     Config

	Driver     Driver
	KeyDeriver KeyDeriver
	Codec      Codec
	Local      LocalSettings

	Log     *slog.Logger
	Metrics Metrics

	// PollInterval bounds one multiplexer wait (default 1s).
	PollInterval time.Duration
	// IdleCheck is how long a session may sit idle before reuse checks it (default 2s).
	IdleCheck time.Duration
	// CancelTimeout bounds the best-effort cancel requests of an aborted call (default 5s).
	CancelTimeout time.Duration

	// Rand picks the partition of PolicyAny calls. Defaults to the global source.
	Rand *rand.Rand
}

// Cluster is one partitioned target: a fixed, ordered set of shard
// connections. A cluster runs one call at a time; the Stream returned by
// Execute owns the cluster until it is drained or closed.
type Cluster struct {
	name    string
	cfg     Config
	log     *slog.Logger
	metrics Metrics
	keys    KeyDeriver
	codec   Codec
	local   LocalSettings

	idleCheck     time.Duration
	cancelTimeout time.Duration
	intn          func(int) int
	now           func() time.Time

	conns     []*Connection
	partMap   []*Connection
	partCount int
	partMask  int

	totalRows int
	cursor    int

	mux *Multiplexer

	busy   chan struct{}
	mu     sync.Mutex
	closed bool
	// retired clusters were closed by a registry reload, not by Close
	retired    bool
	cancelCall context.CancelCauseFunc
	teardownMu sync.Once
}

func NewCluster(opts Options) (*Cluster, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("cluster: Options.Driver is required")
	}
	n := len(opts.Partitions)
	if n == 0 {
		return nil, ErrNoPartitions
	}

	size := 1
	for size < n {
		size <<= 1
	}
	if size != n && !opts.Config.WrapPartitions {
		return nil, fmt.Errorf("%w: got %d", ErrPartitionCount, n)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("cluster", opts.Name))

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	codec := opts.Codec
	if codec == nil {
		codec = TextCodec{}
	}
	local := opts.Local
	if local.Params == nil && local.ServerVersion == "" {
		local = DefaultLocalSettings()
	}

	c := &Cluster{
		name:          opts.Name,
		cfg:           opts.Config,
		log:           log,
		metrics:       metrics,
		keys:          opts.KeyDeriver,
		codec:         codec,
		local:         local,
		idleCheck:     orDefault(opts.IdleCheck, defaultIdleCheck),
		cancelTimeout: orDefault(opts.CancelTimeout, defaultCancelTimeout),
		intn:          rand.IntN,
		now:           time.Now,
		partCount:     n,
		partMask:      size - 1,
		busy:          make(chan struct{}, 1),
	}
	if opts.Rand != nil {
		c.intn = opts.Rand.IntN
	}

	mux, err := newMultiplexer(opts.Driver, n, orDefault(opts.PollInterval, defaultPollInterval), log)
	if err != nil {
		return nil, err
	}
	c.mux = mux

	c.conns = make([]*Connection, n)
	for i, target := range opts.Partitions {
		c.conns[i] = &Connection{cl: c, index: i, target: target}
	}

	// slots past the last partition fold back by half the map size, which
	// always lands on an existing partition
	c.partMap = make([]*Connection, size)
	for slot := range c.partMap {
		if slot < n {
			c.partMap[slot] = c.conns[slot]
		} else {
			c.partMap[slot] = c.conns[slot-size/2]
		}
	}

	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *Cluster) Name() string { return c.name }

// Partitions returns the number of addressable partitions.
func (c *Cluster) Partitions() int { return c.partCount }

// Mask returns the hash reduction mask.
func (c *Cluster) Mask() int { return c.partMask }

// Connection returns the connection of partition i.
func (c *Cluster) Connection(i int) *Connection { return c.conns[i] }

// Slot returns the connection a hash slot in [0, Mask()] routes to.
func (c *Cluster) Slot(slot int) *Connection { return c.partMap[slot&c.partMask] }

// Cancel aborts the call currently running on the cluster, if any. It is
// safe to call from any goroutine.
func (c *Cluster) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelCall != nil {
		c.cancelCall(ErrCanceled)
	}
}

// Close cancels any running call and closes every shard session. When a
// Stream still owns the cluster the sessions are closed once it is released.
func (c *Cluster) Close() error {
	c.shutdown(true)
	return nil
}

// retire closes the cluster once its current owner, if any, releases it.
// A running call is left to finish.
func (c *Cluster) retire() { c.shutdown(false) }

func (c *Cluster) shutdown(cancelRunning bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.retired = !cancelRunning
	if cancelRunning && c.cancelCall != nil {
		c.cancelCall(ErrClusterClosed)
	}
	c.mu.Unlock()

	select {
	case c.busy <- struct{}{}:
		c.teardown()
		<-c.busy
	default:
	}
}

func (c *Cluster) teardown() {
	c.teardownMu.Do(func() {
		for _, conn := range c.conns {
			conn.drop("closed")
		}
		c.mux.close()
		c.log.Debug("cluster closed")
	})
}

// acquire takes the busy token and installs cancel as the running call's
// cancel function, so Cancel and Close reach the call from here on.
func (c *Cluster) acquire(ctx context.Context, cancel context.CancelCauseFunc) error {
	select {
	case c.busy <- struct{}{}:
	case <-ctx.Done():
		return canceledErr(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		<-c.busy
		if c.retired {
			return callErr(KindInternal, fmt.Errorf("%w: %w", ErrClusterClosed, ErrClusterRetired))
		}
		return callErr(KindInternal, ErrClusterClosed)
	}
	c.cancelCall = cancel
	return nil
}

func (c *Cluster) release() {
	c.mu.Lock()
	c.cancelCall = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		c.teardown()
	}
	<-c.busy
}

// cleanResults resets the per-round fields of every connection. Connection
// states are left alone; prepare deals with them.
func (c *Cluster) cleanResults() {
	c.totalRows = 0
	c.cursor = 0
	for _, conn := range c.conns {
		conn.result = nil
		conn.pos = 0
		conn.colMap = conn.colMap[:0]
		conn.tagged = false
	}
}

func (c *Cluster) taggedCount() int {
	n := 0
	for _, conn := range c.conns {
		if conn.tagged {
			n++
		}
	}
	return n
}
