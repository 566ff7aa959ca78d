package cluster

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// ConnState is the position of a connection in its lifecycle.
type ConnState uint8

const (
	StateNone ConnState = iota
	StateConnectWrite
	StateConnectRead
	StateReady
	StateQueryWrite
	StateQueryRead
	StateDone
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateConnectWrite:
		return "CONNECT_WRITE"
	case StateConnectRead:
		return "CONNECT_READ"
	case StateReady:
		return "READY"
	case StateQueryWrite:
		return "QUERY_WRITE"
	case StateQueryRead:
		return "QUERY_READ"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("ConnState(%d)", uint8(s))
	}
}

// direction is the I/O the state waits on; dirNone states wait on nothing.
func (s ConnState) direction() direction {
	switch s {
	case StateConnectWrite, StateQueryWrite:
		return dirWrite
	case StateConnectRead, StateQueryRead:
		return dirRead
	default:
		return dirNone
	}
}

// every state may also fall back to StateNone
var transitions = map[ConnState][]ConnState{
	StateNone:         {StateConnectWrite},
	StateConnectWrite: {StateConnectRead},
	StateConnectRead:  {StateReady},
	StateReady:        {StateQueryWrite},
	StateQueryWrite:   {StateQueryRead},
	StateQueryRead:    {StateDone, StateReady},
	StateDone:         {StateReady},
}

// Connection is the session slot of one partition. It is owned by the call
// goroutine of its cluster; only the multiplexer's socket operations touch
// the network.
type Connection struct {
	cl     *Cluster
	index  int
	target string

	state  ConnState
	tagged bool

	connectedAt time.Time
	queriedAt   time.Time

	// tuning is set while a SET batch is in flight or was just applied.
	tuning      bool
	sameVersion bool

	result *SubResult
	pos    int
	// colMap maps expected result columns to result positions
	colMap []int

	sock *socket
}

func (c *Connection) Index() int { return c.index }

// Target returns the connection string. It may hold credentials.
func (c *Connection) Target() string { return c.target }

func (c *Connection) State() ConnState { return c.state }

// Tagged reports whether the last call routed to this partition.
func (c *Connection) Tagged() bool { return c.tagged }

func (c *Connection) setState(next ConnState) error {
	if next != StateNone && !slices.Contains(transitions[c.state], next) {
		return connErr(KindInternal, c, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.state, next))
	}
	c.state = next
	return nil
}

// prepare makes the connection usable for a new call: a healthy idle session
// is reused, anything else is dropped and reconnected.
func (c *Connection) prepare(now time.Time) error {
	switch c.state {
	case StateNone:
	case StateDone, StateReady:
		if c.state == StateDone {
			if err := c.setState(StateReady); err != nil {
				return err
			}
		}
		ok, reason := c.alive(now)
		if ok {
			return nil
		}
		c.drop(reason)
	default:
		c.drop("stale")
	}
	return c.launch(now)
}

// alive checks an idle session before it is reused.
func (c *Connection) alive(now time.Time) (bool, string) {
	if c.sock == nil || c.sock.session == nil {
		return false, "closed"
	}
	if lt := c.cl.cfg.ConnectionLifetime; lt > 0 && now.Sub(c.connectedAt) >= lt {
		return false, "lifetime"
	}
	if now.Sub(c.queriedAt) < c.cl.idleCheck {
		return true, ""
	}
	if err := c.sock.session.CheckIdle(); err != nil {
		c.cl.log.Warn("detected unstable connection",
			slog.Int("partition", c.index),
			slog.Any("error", err),
		)
		return false, "unstable"
	}
	return true, ""
}

func (c *Connection) launch(now time.Time) error {
	c.connectedAt = now
	c.queriedAt = now
	c.tuning = false
	c.sameVersion = false
	c.sock = c.cl.mux.newSocket(c.index)
	if err := c.setState(StateConnectWrite); err != nil {
		return err
	}
	c.cl.metrics.ConnectionOpened(c.cl.name)

	if err := c.cl.mux.startConnect(c.sock, c.target); err != nil {
		return connErr(KindConnect, c, fmt.Errorf("%w: %w", ErrConnectFailed, err))
	}
	return nil
}

// submit sends the next request of the round: a tuning batch when the
// session settings differ from the local ones, the call query otherwise.
func (c *Connection) submit(r *round, now time.Time) error {
	if c.state != StateReady {
		return connErr(KindInternal, c, fmt.Errorf("%w: submit in state %s", ErrIllegalTransition, c.state))
	}
	c.queriedAt = now

	batch, err := c.tune()
	if err != nil {
		return err
	}
	if batch != "" {
		c.tuning = true
		c.cl.metrics.TuningSent(c.cl.name)
		c.cl.log.Debug("tuning connection",
			slog.String("round", r.id),
			slog.Int("partition", c.index),
		)
		return c.send(Request{SQL: batch, Simple: true})
	}
	c.tuning = false

	req := r.req
	if !c.cl.cfg.DisableBinary && c.sameVersion && r.call.Shape.Binary {
		req.ResultFormat = BinaryFormat
	}
	return c.send(req)
}

// tune compares the session's reported parameters with the local settings
// and returns the SET batch that aligns them, or "" when nothing differs.
func (c *Connection) tune() (string, error) {
	sess := c.sock.session
	local := c.cl.local
	c.sameVersion = sameBranch(sess.ParameterStatus("server_version"), local.ServerVersion)

	var sb strings.Builder
	for _, name := range slices.Sorted(maps.Keys(local.Params)) {
		want := local.Params[name]
		have := sess.ParameterStatus(name)
		if have == "" || have == want {
			continue
		}
		fmt.Fprintf(&sb, "set %s = '%s'; ", name, strings.ReplaceAll(want, "'", "''"))
	}
	if sb.Len() == 0 {
		return "", nil
	}
	if c.tuning {
		// the previous batch was applied and still nothing changed
		return "", connErr(KindProtocol, c, fmt.Errorf("%w: %s", ErrTuningDidNotApply, strings.TrimSpace(sb.String())))
	}
	return sb.String(), nil
}

func (c *Connection) send(req Request) error {
	if err := c.setState(StateQueryWrite); err != nil {
		return err
	}
	if err := c.cl.mux.startSend(c.sock, req); err != nil {
		return connErr(KindConnect, c, fmt.Errorf("%w: %w", ErrSendFailed, err))
	}
	return nil
}

// handle applies one socket event to the state machine.
func (c *Connection) handle(ev ioEvent) error {
	switch c.state {
	case StateConnectWrite, StateConnectRead:
		switch ev.kind {
		case evDialed:
			return c.setState(StateConnectRead)
		case evConnected:
			c.sock.session = ev.session
			return c.setState(StateReady)
		case evConnectFailed:
			return connErr(KindConnect, c, fmt.Errorf("%w: %w", ErrConnectFailed, ev.err))
		}

	case StateQueryWrite:
		switch ev.kind {
		case evFlushed:
			return c.setState(StateQueryRead)
		case evSendFailed:
			return connErr(KindConnect, c, fmt.Errorf("%w: %w", ErrSendFailed, ev.err))
		}

	case StateQueryRead:
		switch ev.kind {
		case evResult:
			return c.addResult(ev.result)
		case evDrained:
			if c.tuning {
				return c.setState(StateReady)
			}
			return c.setState(StateDone)
		case evRecvFailed:
			return connErr(KindConnect, c, fmt.Errorf("%w: %w", ErrReceiveFailed, ev.err))
		}
	}
	return connErr(KindInternal, c, fmt.Errorf("%w: %s event in state %s", ErrPollFailed, ev.kind, c.state))
}

func (c *Connection) addResult(res *SubResult) error {
	switch {
	case res.Err != nil:
		return connErr(KindProtocol, c, fmt.Errorf("%w: %w", ErrRemoteQuery, res.Err))
	case !res.IsRowSet():
		// command completion
		return nil
	case c.tuning:
		return nil
	case c.result != nil:
		return connErr(KindProtocol, c, ErrUnexpectedMultipleResultSets)
	}
	c.result = res
	return nil
}

// drop closes the session and returns the connection to StateNone. Any
// operation still in flight is abandoned and its events become stale.
func (c *Connection) drop(reason string) {
	if c.sock == nil {
		c.state = StateNone
		return
	}
	c.cl.log.Info("dropping stale conn",
		slog.Int("partition", c.index),
		slog.String("state", c.state.String()),
		slog.String("reason", reason),
	)
	c.cl.metrics.ConnectionDropped(c.cl.name, reason)

	c.sock.cancel()
	if c.sock.session != nil {
		closeSession(c.sock.session)
	}
	c.sock = nil
	c.state = StateNone
}
