package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownTarget = errors.New("unknown shard target")
	ErrSessionClosed = errors.New("session closed")
)

// ShardHandler answers one request sent to an in-memory shard. Returned
// errors are transport failures; remote SQL errors are sub-results built
// with ErrorResult.
type ShardHandler func(ctx context.Context, req Request) ([]*SubResult, error)

// MemoryShard is the behaviour of one in-memory shard.
type MemoryShard struct {
	// Params are reported through ParameterStatus, server_version included.
	Params  map[string]string
	Handler ShardHandler

	ConnectErr   error
	ConnectDelay time.Duration
	// IgnoreSet accepts SET statements without applying them.
	IgnoreSet bool
	IdleErr   error
}

// MemoryDriver is an in-process Driver. It records connects, requests and
// cancel requests per target so tests can assert on the traffic.
type MemoryDriver struct {
	mu  sync.Mutex
	log *slog.Logger

	shards   map[string]*MemoryShard
	connects map[string]int
	cancels  map[string]int
	requests map[string][]Request
	open     int
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		log:      slog.New(slog.DiscardHandler),
		shards:   make(map[string]*MemoryShard),
		connects: make(map[string]int),
		cancels:  make(map[string]int),
		requests: make(map[string][]Request),
	}
}

func (d *MemoryDriver) WithLog(log *slog.Logger) *MemoryDriver {
	d.log = log.With(slog.String("driver", "mem"))
	return d
}

// AddShard registers target. Registering it again replaces its behaviour for
// new sessions and requests.
func (d *MemoryDriver) AddShard(target string, shard MemoryShard) *MemoryDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	shard.Params = maps.Clone(shard.Params)
	d.shards[target] = &shard
	return d
}

// Update changes the behaviour of a registered shard in place.
func (d *MemoryDriver) Update(target string, fn func(*MemoryShard)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.shards[target]; s != nil {
		fn(s)
	}
}

func (d *MemoryDriver) Connects(target string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects[target]
}

func (d *MemoryDriver) Cancels(target string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels[target]
}

func (d *MemoryDriver) Requests(target string) []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests[target]...)
}

// OpenSessions returns the number of sessions not closed yet.
func (d *MemoryDriver) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *MemoryDriver) shard(target string) (MemoryShard, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.shards[target]
	if !ok {
		return MemoryShard{}, false
	}
	return *s, true
}

func (d *MemoryDriver) Connect(ctx context.Context, target string, dialed func()) (Session, error) {
	d.mu.Lock()
	d.connects[target]++
	d.mu.Unlock()

	shard, ok := d.shard(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	dialed()

	if shard.ConnectDelay > 0 {
		select {
		case <-time.After(shard.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shard.ConnectErr != nil {
		return nil, shard.ConnectErr
	}

	d.mu.Lock()
	d.open++
	d.mu.Unlock()
	d.log.Debug("session opened", slog.String("target", target))

	return &memSession{d: d, target: target, params: maps.Clone(shard.Params)}, nil
}

type memSession struct {
	d      *MemoryDriver
	target string

	mu      sync.Mutex
	params  map[string]string
	running context.CancelFunc
	closed  bool
}

func (s *memSession) ParameterStatus(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[name]
}

func (s *memSession) Send(ctx context.Context, req Request) (ResultReader, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	s.d.mu.Lock()
	s.d.requests[s.target] = append(s.d.requests[s.target], req)
	s.d.mu.Unlock()

	return &memReader{s: s, ctx: ctx, req: req}, nil
}

func (s *memSession) CheckIdle() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	shard, _ := s.d.shard(s.target)
	return shard.IdleErr
}

func (s *memSession) CancelRequest(context.Context) error {
	s.d.mu.Lock()
	s.d.cancels[s.target]++
	s.d.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		s.running()
	}
	return nil
}

func (s *memSession) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.running != nil {
		s.running()
	}
	s.mu.Unlock()

	s.d.mu.Lock()
	s.d.open--
	s.d.mu.Unlock()
	s.d.log.Debug("session closed", slog.String("target", s.target))
	return nil
}

// run executes req. Simple requests made of SET statements are applied to
// the session parameters; everything else goes to the shard handler under a
// context that CancelRequest cancels.
func (s *memSession) run(ctx context.Context, req Request) ([]*SubResult, error) {
	shard, ok := s.d.shard(s.target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, s.target)
	}

	if req.Simple {
		if results, ok := s.applySet(req.SQL, shard.IgnoreSet); ok {
			return results, nil
		}
	}
	if shard.Handler == nil {
		return []*SubResult{CommandResult()}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.running = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = nil
		s.mu.Unlock()
	}()

	return shard.Handler(runCtx, req)
}

var setStmt = regexp.MustCompile(`(?is)^set\s+(\w+)\s*=\s*'((?:[^']|'')*)'$`)

func (s *memSession) applySet(sql string, ignore bool) ([]*SubResult, bool) {
	var results []*SubResult
	set := make(map[string]string)
	for _, stmt := range strings.Split(sql, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		m := setStmt.FindStringSubmatch(stmt)
		if m == nil {
			return nil, false
		}
		set[strings.ToLower(m[1])] = strings.ReplaceAll(m[2], "''", "'")
		results = append(results, CommandResult())
	}
	if !ignore {
		s.mu.Lock()
		maps.Copy(s.params, set)
		s.mu.Unlock()
	}
	return results, true
}

type memReader struct {
	s       *memSession
	ctx     context.Context
	req     Request
	ran     bool
	results []*SubResult
}

func (r *memReader) NextResult() (*SubResult, error) {
	if !r.ran {
		r.ran = true
		results, err := r.s.run(r.ctx, r.req)
		if err != nil {
			return nil, err
		}
		r.results = results
	}
	if len(r.results) == 0 {
		return nil, io.EOF
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

// RowsResult builds a row set with text columns. Values are encoded with
// TextCodec; nil becomes NULL.
func RowsResult(columns []string, rows ...[]any) *SubResult {
	res := &SubResult{Columns: make([]Column, len(columns))}
	for i, name := range columns {
		res.Columns[i] = Column{Name: name, Format: TextFormat}
	}
	for _, row := range rows {
		out := make([][]byte, len(row))
		for i, v := range row {
			out[i], _, _ = TextCodec{}.Encode(0, v, false)
		}
		res.Rows = append(res.Rows, out)
	}
	return res
}

// CommandResult is the completion of a statement returning no rows.
func CommandResult() *SubResult { return &SubResult{} }

// ErrorResult is a remote SQL error.
func ErrorResult(msg string) *SubResult { return &SubResult{Err: errors.New(msg)} }

var _ Driver = (*MemoryDriver)(nil)
