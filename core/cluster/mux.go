package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

type direction uint8

const (
	dirNone direction = iota
	dirWrite
	dirRead
	// dirAny events are accepted in either direction of a connect.
	dirAny
)

type evKind uint8

const (
	evDialed evKind = iota + 1
	evConnected
	evConnectFailed
	evFlushed
	evSendFailed
	evResult
	evDrained
	evRecvFailed
)

func (k evKind) String() string {
	switch k {
	case evDialed:
		return "dialed"
	case evConnected:
		return "connected"
	case evConnectFailed:
		return "connect-failed"
	case evFlushed:
		return "flushed"
	case evSendFailed:
		return "send-failed"
	case evResult:
		return "result"
	case evDrained:
		return "drained"
	case evRecvFailed:
		return "recv-failed"
	default:
		return "unknown"
	}
}

func (k evKind) direction() direction {
	switch k {
	case evDialed, evFlushed, evSendFailed:
		return dirWrite
	case evConnected, evResult, evDrained, evRecvFailed:
		return dirRead
	default:
		return dirAny
	}
}

// ioEvent is the completion of one step of a socket's in-flight operation.
type ioEvent struct {
	kind    evKind
	conn    int
	gen     uint64
	session Session
	result  *SubResult
	err     error
}

// socket is the I/O side of one connection attempt. Events carry the
// generation of the socket that produced them; anything from an older
// generation is stale.
type socket struct {
	index   int
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	session Session
}

// Multiplexer runs the network operations of all connections of a cluster
// and reports their progress back to the single call goroutine.
//
// Every connection has at most one operation in flight. Operations run on a
// bounded worker pool and post completion events to a shared queue; Wait
// collects them and advances the connection state machines.
type Multiplexer struct {
	driver   Driver
	log      *slog.Logger
	interval time.Duration

	pool   *ants.Pool
	events chan ioEvent
	buf    []ioEvent
	gen    uint64

	closed atomic.Bool
}

func newMultiplexer(driver Driver, n int, interval time.Duration, log *slog.Logger) (*Multiplexer, error) {
	m := &Multiplexer{
		driver:   driver,
		log:      log,
		interval: interval,
		events:   make(chan ioEvent, 4*n),
		buf:      make([]ioEvent, 0, max(64, 4*n)),
	}
	pool, err := ants.NewPool(4*n, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		m.log.Error("socket operation panicked", slog.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create socket pool: %w", err)
	}
	m.pool = pool
	return m, nil
}

func (m *Multiplexer) newSocket(index int) *socket {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{index: index, gen: m.gen, ctx: ctx, cancel: cancel}
}

func (m *Multiplexer) post(sock *socket, ev ioEvent) bool {
	ev.conn = sock.index
	ev.gen = sock.gen
	if sock.ctx.Err() != nil {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-sock.ctx.Done():
		return false
	}
}

func (m *Multiplexer) submit(task func()) error {
	if m.closed.Load() {
		return ErrClusterClosed
	}
	return m.pool.Submit(task)
}

// startConnect opens a session for sock. It posts evDialed once the transport
// is up, then evConnected or evConnectFailed.
func (m *Multiplexer) startConnect(sock *socket, target string) error {
	return m.submit(func() {
		var once sync.Once
		dialed := func() {
			once.Do(func() { m.post(sock, ioEvent{kind: evDialed}) })
		}

		sess, err := m.driver.Connect(sock.ctx, target, dialed)
		if err != nil {
			m.post(sock, ioEvent{kind: evConnectFailed, err: err})
			return
		}
		dialed()
		if !m.post(sock, ioEvent{kind: evConnected, session: sess}) {
			closeSession(sess)
		}
	})
}

// startSend transmits req on the socket's session and streams back every
// sub-result followed by evDrained.
func (m *Multiplexer) startSend(sock *socket, req Request) error {
	sess := sock.session
	return m.submit(func() {
		rd, err := sess.Send(sock.ctx, req)
		if err != nil {
			m.post(sock, ioEvent{kind: evSendFailed, err: err})
			return
		}
		if !m.post(sock, ioEvent{kind: evFlushed}) {
			return
		}
		for {
			res, err := rd.NextResult()
			if errors.Is(err, io.EOF) {
				m.post(sock, ioEvent{kind: evDrained})
				return
			}
			if err != nil {
				m.post(sock, ioEvent{kind: evRecvFailed, err: err})
				return
			}
			if !m.post(sock, ioEvent{kind: evResult, result: res}) {
				return
			}
		}
	})
}

// Wait blocks until at least one tagged connection made progress, the poll
// interval elapsed or ctx is done, and dispatches every event collected.
// It returns the number of events handled. Nothing waiting returns 0 at once.
func (m *Multiplexer) Wait(ctx context.Context, conns []*Connection) (int, error) {
	if m.closed.Load() {
		return 0, fmt.Errorf("%w: multiplexer closed", ErrPollFailed)
	}
	if !slices.ContainsFunc(conns, func(c *Connection) bool {
		return c.tagged && c.state.direction() != dirNone
	}) {
		return 0, nil
	}

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	m.buf = m.buf[:0]
	select {
	case ev := <-m.events:
		m.buf = append(m.buf, ev)
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, nil
	}
drain:
	for {
		select {
		case ev := <-m.events:
			m.buf = append(m.buf, ev)
		default:
			break drain
		}
	}

	slices.SortStableFunc(m.buf, func(a, b ioEvent) int { return cmp.Compare(a.conn, b.conn) })

	handled := 0
	for i, ev := range m.buf {
		c := conns[ev.conn]
		if !c.tagged || c.sock == nil || c.sock.gen != ev.gen || c.state.direction() == dirNone {
			discard(ev)
			continue
		}
		if want := ev.kind.direction(); want != dirAny && want != c.state.direction() {
			discardAll(m.buf[i:])
			return handled, connErr(KindInternal, c,
				fmt.Errorf("%w: %s event in state %s", ErrPollFailed, ev.kind, c.state))
		}
		handled++
		if err := c.handle(ev); err != nil {
			discardAll(m.buf[i+1:])
			return handled, err
		}
	}
	return handled, nil
}

// close waits for in-flight operations to notice their cancelled sockets
// and releases whatever they managed to post.
func (m *Multiplexer) close() {
	if m.closed.Swap(true) {
		return
	}
	if err := m.pool.ReleaseTimeout(defaultCloseTimeout); err != nil {
		m.log.Warn("socket operations still running", slog.Any("error", err))
	}
	for {
		select {
		case ev := <-m.events:
			discard(ev)
		default:
			return
		}
	}
}

// discard releases what an unhandled event owns.
func discard(ev ioEvent) {
	if ev.kind == evConnected && ev.session != nil {
		go closeSession(ev.session)
	}
}

func discardAll(evs []ioEvent) {
	for _, ev := range evs {
		discard(ev)
	}
}

func closeSession(s Session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()
	_ = s.Close(ctx)
}
