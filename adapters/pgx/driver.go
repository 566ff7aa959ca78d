// Package pgx connects the router to PostgreSQL shards through pgconn and
// runs the local side of hash calls through a pgxpool.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gridl/plproxy/core/cluster"
)

var (
	ErrSessionBusy   = errors.New("session busy")
	ErrSessionClosed = errors.New("session closed")
)

type DriverOptions struct {
	// RuntimeParams are added to the startup message of every session, on
	// top of those in the target connection string.
	RuntimeParams map[string]string
	Log           *slog.Logger
}

// Driver opens pgconn sessions. Targets are libpq connection strings or
// postgres:// URLs.
type Driver struct {
	opts DriverOptions
	log  *slog.Logger
}

func NewDriver(opts DriverOptions) *Driver {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Driver{opts: opts, log: log.With(slog.String("component", "pgx"))}
}

func (d *Driver) Connect(ctx context.Context, target string, dialed func()) (cluster.Session, error) {
	cfg, err := pgconn.ParseConfig(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	for k, v := range d.opts.RuntimeParams {
		cfg.RuntimeParams[k] = v
	}

	dial := cfg.DialFunc
	cfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err == nil && dialed != nil {
			dialed()
		}
		return conn, err
	}

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.log.Debug("session opened",
		slog.String("host", conn.Conn().RemoteAddr().String()),
		slog.String("server_version", conn.ParameterStatus("server_version")),
	)
	return &session{conn: conn}, nil
}

type session struct {
	conn *pgconn.PgConn
	// busy is set from Send until the result reader is drained.
	busy atomic.Bool
	once sync.Once
}

func (s *session) ParameterStatus(name string) string { return s.conn.ParameterStatus(name) }

func (s *session) Send(ctx context.Context, req cluster.Request) (cluster.ResultReader, error) {
	if s.conn.IsClosed() {
		return nil, ErrSessionClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	if req.Simple {
		return &simpleReader{s: s, mrr: s.conn.Exec(ctx, req.SQL)}, nil
	}
	rr := s.conn.ExecParams(ctx, req.SQL, req.Args, req.ArgOIDs, req.ArgFormats, []int16{req.ResultFormat})
	return &paramsReader{s: s, rr: rr}, nil
}

// CheckIdle checks an idle session for unexpected input or a dead socket
// without sending anything.
func (s *session) CheckIdle() error {
	if s.busy.Load() {
		return ErrSessionBusy
	}
	return s.conn.CheckConn()
}

func (s *session) CancelRequest(ctx context.Context) error { return s.conn.CancelRequest(ctx) }

// Close terminates an idle session politely. A session with a reader still
// attached has its socket closed under it, which fails the pending read.
func (s *session) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		if s.busy.Load() {
			err = s.conn.Conn().Close()
			return
		}
		err = s.conn.Close(ctx)
	})
	return err
}

func (s *session) done() { s.busy.Store(false) }

// readResult drains one pgconn result into a sub-result. Server errors
// become the sub-result's error; anything else is a transport failure.
func readResult(rr *pgconn.ResultReader) (*cluster.SubResult, error) {
	var rows [][][]byte
	for rr.NextRow() {
		values := rr.Values()
		row := make([][]byte, len(values))
		for i, v := range values {
			if v != nil {
				row[i] = append([]byte{}, v...)
			}
		}
		rows = append(rows, row)
	}
	fds := rr.FieldDescriptions()
	if _, err := rr.Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return &cluster.SubResult{Err: pgErr}, nil
		}
		return nil, err
	}

	res := &cluster.SubResult{Rows: rows}
	if fds != nil {
		res.Columns = make([]cluster.Column, len(fds))
		for i, fd := range fds {
			res.Columns[i] = cluster.Column{Name: fd.Name, TypeOID: fd.DataTypeOID, Format: fd.Format}
		}
	}
	return res, nil
}

type paramsReader struct {
	s    *session
	rr   *pgconn.ResultReader
	read bool
}

func (r *paramsReader) NextResult() (*cluster.SubResult, error) {
	if r.read {
		return nil, io.EOF
	}
	r.read = true
	res, err := readResult(r.rr)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	r.s.done()
	return res, nil
}

type simpleReader struct {
	s   *session
	mrr *pgconn.MultiResultReader
	eof bool
}

func (r *simpleReader) NextResult() (*cluster.SubResult, error) {
	if r.eof {
		return nil, io.EOF
	}
	if r.mrr.NextResult() {
		res, err := readResult(r.mrr.ResultReader())
		if err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		return res, nil
	}

	r.eof = true
	err := r.mrr.Close()
	if err == nil {
		r.s.done()
		return nil, io.EOF
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		r.s.done()
		return &cluster.SubResult{Err: pgErr}, nil
	}
	return nil, fmt.Errorf("read result: %w", err)
}

var (
	_ cluster.Driver  = (*Driver)(nil)
	_ cluster.Session = (*session)(nil)
)
