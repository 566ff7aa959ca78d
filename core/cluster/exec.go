package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gridl/plproxy/core/query"
)

// round is the per-call state shared by every tagged connection.
type round struct {
	id   string
	log  *slog.Logger
	call *Call
	req  Request
}

// Execute runs call on the cluster and returns a stream over the merged
// results. The call fails as a whole: on any error no rows are returned.
//
// The returned Stream owns the cluster until it is drained or closed; a
// concurrent Execute blocks until then or until ctx is done.
func (c *Cluster) Execute(ctx context.Context, call *Call) (*Stream, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := c.acquire(ctx, cancel); err != nil {
		return nil, err
	}

	r := &round{id: gonanoid.Must(8), call: call}
	r.log = c.log.With(slog.String("round", r.id), slog.String("policy", call.Policy.String()))

	timer := c.metrics.CallDuration(c.name, call.Policy.String())
	err := c.execute(ctx, r)
	timer.ObserveDuration()

	if err != nil {
		c.metrics.CallError(c.name, KindOf(err).String())
		c.metrics.CallCompleted(c.name, call.Policy.String(), false)
		r.log.Debug("call failed", slog.Any("error", err))
		c.release()
		return nil, err
	}

	c.metrics.CallCompleted(c.name, call.Policy.String(), true)
	r.log.Debug("call finished", slog.Int("rows", c.totalRows))
	return newStream(c, call), nil
}

func (c *Cluster) execute(ctx context.Context, r *round) error {
	c.cleanResults()

	if err := c.tag(ctx, r.call); err != nil {
		return err
	}
	tagged := c.taggedCount()
	c.metrics.PartitionsTagged(c.name, tagged)
	r.log.Debug("partitions tagged", slog.Int("count", tagged))

	if err := c.buildRequest(r); err != nil {
		return err
	}

	if err := c.remoteExecute(ctx, r); err != nil {
		return c.abort(r, err)
	}
	return nil
}

// buildRequest encodes the call arguments in the order the query refers to
// them. Formats are only sent when at least one argument is binary.
func (c *Cluster) buildRequest(r *round) error {
	q := r.call.Query
	n := q.ArgCount()
	req := Request{
		SQL:     q.SQL,
		Args:    make([][]byte, n),
		ArgOIDs: make([]uint32, n),
	}
	formats := make([]int16, n)
	binary := false

	for i, idx := range q.ArgLookup {
		if idx < 0 || idx >= len(r.call.Args) {
			return callErr(KindCodec, fmt.Errorf("parameter $%d: %w", i+1, query.ErrArgRef))
		}
		oid := r.call.argType(idx)
		req.ArgOIDs[i] = oid

		v := r.call.Args[idx]
		if v == nil {
			continue
		}
		data, format, err := c.codec.Encode(oid, v, !c.cfg.DisableBinary)
		if err != nil {
			return callErr(KindCodec, fmt.Errorf("encode argument %d: %w", idx, err))
		}
		req.Args[i] = data
		formats[i] = format
		if format == BinaryFormat {
			binary = true
		}
	}
	if binary {
		req.ArgFormats = formats
	}

	r.req = req
	return nil
}

// remoteExecute launches or reuses a session on every tagged connection,
// sends the query and waits until all of them are done.
func (c *Cluster) remoteExecute(ctx context.Context, r *round) error {
	now := c.now()
	for _, conn := range c.conns {
		if !conn.tagged {
			continue
		}
		if err := conn.prepare(now); err != nil {
			return err
		}
		if conn.state == StateReady {
			if err := conn.submit(r, now); err != nil {
				return err
			}
		}
	}

	for pending := true; pending; {
		if ctx.Err() != nil {
			return canceledErr(ctx)
		}

		if _, err := c.mux.Wait(ctx, c.conns); err != nil {
			return err
		}

		pending = false
		now = c.now()
		for _, conn := range c.conns {
			if !conn.tagged {
				continue
			}
			// login or tuning finished
			if conn.state == StateReady {
				if err := conn.submit(r, now); err != nil {
					return err
				}
			}
			if conn.state != StateDone {
				pending = true
			}
			if err := c.checkTimeout(conn, now); err != nil {
				return err
			}
		}
	}

	return c.review(r.call.Shape)
}

// checkTimeout enforces the connect and query deadlines. The target is kept
// out of the message since it may carry a password.
func (c *Cluster) checkTimeout(conn *Connection, now time.Time) error {
	switch conn.state {
	case StateConnectWrite, StateConnectRead:
		if d := c.cfg.ConnectTimeout; d > 0 && now.Sub(conn.connectedAt) > d {
			return connErr(KindTimeout, conn, fmt.Errorf("%w after %s", ErrConnectTimeout, d))
		}
	case StateQueryWrite, StateQueryRead:
		if d := c.cfg.QueryTimeout; d > 0 && now.Sub(conn.queriedAt) > d {
			return connErr(KindTimeout, conn, fmt.Errorf("%w after %s", ErrQueryTimeout, d))
		}
	}
	return nil
}

// review checks that every tagged connection finished with exactly one row
// set whose columns fit the expected shape, and sums the rows to stream.
// Empty row sets are not mapped. Nothing is streamed unless every result fits.
func (c *Cluster) review(shape ResultShape) error {
	c.totalRows = 0
	for _, conn := range c.conns {
		switch {
		case !conn.tagged && conn.result != nil:
			return connErr(KindInternal, conn, ErrResultMismatch)
		case !conn.tagged:
			continue
		case conn.state != StateDone:
			return connErr(KindInternal, conn, fmt.Errorf("%w in state %s", ErrUnfinishedConnection, conn.state))
		case conn.result == nil:
			return connErr(KindInternal, conn, ErrLostResult)
		}
		if len(conn.result.Rows) == 0 {
			continue
		}
		if err := mapColumns(conn, shape); err != nil {
			return err
		}
		c.totalRows += len(conn.result.Rows)
	}
	return nil
}

func (c *Cluster) abort(r *round, err error) error {
	c.remoteCancel(r)
	var ce *CallError
	if !errors.As(err, &ce) {
		err = callErr(KindInternal, err)
	}
	return err
}

// remoteCancel sends a best-effort cancel request to every tagged
// connection that still has a statement in flight.
func (c *Cluster) remoteCancel(r *round) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cancelTimeout)
	defer cancel()

	var g errgroup.Group
	sent := 0
	for _, conn := range c.conns {
		if !conn.tagged || conn.sock == nil || conn.sock.session == nil {
			continue
		}
		switch conn.state {
		case StateNone, StateReady, StateDone:
			continue
		}

		sess, idx := conn.sock.session, conn.index
		sent++
		g.Go(func() error {
			if err := sess.CancelRequest(ctx); err != nil {
				r.log.Info("cancel query failed", slog.Int("partition", idx), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if sent > 0 {
		c.metrics.CancelsSent(c.name, sent)
		r.log.Debug("cancel requests sent", slog.Int("count", sent))
	}
}

func canceledErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCanceled) {
		return callErr(KindCanceled, cause)
	}
	return callErr(KindCanceled, fmt.Errorf("%w: %w", ErrCanceled, cause))
}
