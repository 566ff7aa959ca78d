package cluster

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
)

// Row is one result row. Composite rows hold one value per expected column,
// scalar rows hold a single value. NULL is nil.
type Row []any

// Stream iterates the merged results of a call in partition order. It owns
// the cluster until Next returns an error (io.EOF included) or Close is
// called. A Stream is not safe for concurrent use.
type Stream struct {
	cl    *Cluster
	shape ResultShape

	rows int
	err  error
	done bool
}

func newStream(c *Cluster, call *Call) *Stream {
	return &Stream{cl: c, shape: call.Shape}
}

// Next returns the next row, or io.EOF after the last one. Once Next
// returned an error it keeps returning it.
func (s *Stream) Next() (Row, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, ErrStreamClosed
	}

	conn, err := s.walk()
	if err != nil {
		s.finish(err)
		return nil, err
	}
	if conn == nil {
		if s.cl.totalRows != 0 {
			err = callErr(KindInternal, fmt.Errorf("%w: %d rows unaccounted", ErrNoResult, s.cl.totalRows))
		} else {
			err = io.EOF
		}
		s.finish(err)
		return nil, err
	}

	row, err := s.row(conn)
	if err != nil {
		s.finish(err)
		return nil, err
	}

	conn.pos++
	s.cl.totalRows--
	s.rows++
	if conn.pos >= len(conn.result.Rows) {
		conn.result = nil
	}
	return row, nil
}

// All returns an iterator over the remaining rows. Breaking out of the loop
// closes the stream. A terminal error other than io.EOF is yielded once.
func (s *Stream) All() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		defer s.Close()
		for {
			row, err := s.Next()
			if err == io.EOF {
				return
			}
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the cluster. Closing a drained stream is a no-op.
func (s *Stream) Close() error {
	if s.err == nil && !s.done {
		s.finish(nil)
		s.err = ErrStreamClosed
	}
	return nil
}

func (s *Stream) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.cl.metrics.RowsStreamed(s.cl.name, s.rows)
	s.cl.release()
}

// walk returns the connection holding the next row. It returns nil once
// every result is drained.
func (s *Stream) walk() (*Connection, error) {
	c := s.cl
	for ; c.cursor < len(c.conns); c.cursor++ {
		conn := c.conns[c.cursor]
		if !conn.tagged || conn.result == nil {
			continue
		}
		if conn.pos >= len(conn.result.Rows) {
			conn.result = nil
			continue
		}
		return conn, nil
	}
	return nil, nil
}

// mapColumns resolves where each expected column sits in conn's result and
// keeps the mapping on conn. Columns are tried at their own position first
// and searched by name only when that fails.
func mapColumns(conn *Connection, shape ResultShape) error {
	cols := conn.result.Columns
	if shape.Scalar {
		if len(cols) != 1 {
			return connErr(KindShape, conn, fmt.Errorf("%w: got %d columns", ErrScalarArityMismatch, len(cols)))
		}
		return nil
	}

	want := shape.Columns
	switch {
	case len(cols) < len(want):
		return connErr(KindShape, conn, fmt.Errorf("%w: too few columns, got %d want %d", ErrColumnCountMismatch, len(cols), len(want)))
	case len(cols) > len(want):
		return connErr(KindShape, conn, fmt.Errorf("%w: too many columns, got %d want %d", ErrColumnCountMismatch, len(cols), len(want)))
	}

	colMap := conn.colMap[:0]
	for i, name := range want {
		if cols[i].Name == "" {
			return connErr(KindShape, conn, fmt.Errorf("%w at position %d", ErrUnnamedColumn, i))
		}
		if strings.EqualFold(cols[i].Name, name) {
			colMap = append(colMap, i)
			continue
		}
		j := slices.IndexFunc(cols, func(col Column) bool { return strings.EqualFold(col.Name, name) })
		if j < 0 {
			return connErr(KindShape, conn, fmt.Errorf("%w: %q", ErrMissingField, name))
		}
		colMap = append(colMap, j)
	}
	conn.colMap = colMap
	return nil
}

func (s *Stream) row(conn *Connection) (Row, error) {
	res := conn.result
	data := res.Rows[conn.pos]

	if s.shape.Scalar {
		if s.shape.Void {
			return Row{nil}, nil
		}
		v, err := s.decode(conn, res.Columns[0], data[0])
		if err != nil {
			return nil, err
		}
		return Row{v}, nil
	}

	row := make(Row, len(conn.colMap))
	for i, j := range conn.colMap {
		v, err := s.decode(conn, res.Columns[j], data[j])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func (s *Stream) decode(conn *Connection, col Column, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	v, err := s.cl.codec.Decode(col.TypeOID, col.Format, data)
	if err != nil {
		return nil, connErr(KindCodec, conn, fmt.Errorf("decode column %q: %w", col.Name, err))
	}
	return v, nil
}
