package cluster

import (
	"context"
)

// Wire formats for arguments and result columns.
const (
	TextFormat   int16 = 0
	BinaryFormat int16 = 1
)

// Column describes one column of a row-set sub-result.
type Column struct {
	Name    string
	TypeOID uint32
	Format  int16
}

// SubResult is one result produced by a statement: a row set, a command
// completion (no columns) or a remote error.
type SubResult struct {
	Columns []Column
	Rows    [][][]byte
	Err     error
}

// IsRowSet reports whether the sub-result describes rows, possibly zero of them.
func (r *SubResult) IsRowSet() bool { return r.Err == nil && r.Columns != nil }

// Request is what a connection transmits to its shard.
type Request struct {
	SQL string

	// Simple requests go through the simple query protocol and may hold
	// several statements. Args must be empty.
	Simple bool

	Args         [][]byte
	ArgOIDs      []uint32
	ArgFormats   []int16
	ResultFormat int16
}

// ResultReader yields the sub-results of one transmitted request.
type ResultReader interface {
	// NextResult returns the next sub-result, or io.EOF once the request is
	// fully drained. Any other error is a transport failure.
	NextResult() (*SubResult, error)
}

// Session is one live network session to a shard.
type Session interface {
	// ParameterStatus returns a run-time parameter reported by the server.
	ParameterStatus(name string) string

	// Send transmits req. It returns once the request has been flushed.
	Send(ctx context.Context, req Request) (ResultReader, error)

	// CheckIdle reports an error when an idle session has unexpected pending
	// input or is no longer usable.
	CheckIdle() error

	// CancelRequest asks the server to abandon the running statement.
	CancelRequest(ctx context.Context) error

	Close(ctx context.Context) error
}

// Driver opens sessions to shard targets.
type Driver interface {
	// Connect opens a session to target. dialed is invoked at most once, when
	// the transport connection is up and the startup handshake is waiting
	// on the server.
	Connect(ctx context.Context, target string, dialed func()) (Session, error)
}
