package cluster

import (
	"errors"
	"fmt"
)

var (
	// Routing errors
	ErrOutOfRange            = errors.New("partition number out of range")
	ErrNullRoutingKey        = errors.New("hash function returned NULL")
	ErrRoutingKeyType        = errors.New("hash result must be int2, int4 or int8")
	ErrAmbiguousMultiRowHash = errors.New("only multi-row calls allow hash count <> 1")
	ErrUnknownPolicy         = errors.New("uninitialized run policy")
	ErrNoKeyDeriver          = errors.New("hash call without a key deriver")

	// Connect errors
	ErrConnectFailed = errors.New("connect failed")
	ErrSendFailed    = errors.New("send failed")
	ErrReceiveFailed = errors.New("receive failed")

	// Protocol errors
	ErrRemoteQuery                  = errors.New("remote error")
	ErrUnexpectedMultipleResultSets = errors.New("double result")
	ErrTuningDidNotApply            = errors.New("tuning does not seem to apply")

	// Timeout errors
	ErrConnectTimeout = errors.New("connect timeout")
	ErrQueryTimeout   = errors.New("query timeout")

	// Shape errors
	ErrMissingField        = errors.New("field does not exist in result")
	ErrColumnCountMismatch = errors.New("column count mismatch")
	ErrScalarArityMismatch = errors.New("single field call but got record")
	ErrUnnamedColumn       = errors.New("unnamed result column")

	// Internal errors
	ErrPollFailed           = errors.New("poll failed")
	ErrLostResult           = errors.New("lost result")
	ErrUnfinishedConnection = errors.New("unfinished connection")
	ErrResultMismatch       = errors.New("tagged connections do not match results")
	ErrIllegalTransition    = errors.New("illegal connection state transition")
	ErrNoResult             = errors.New("no result left to stream")

	// Call lifecycle
	ErrCanceled      = errors.New("call canceled")
	ErrClusterClosed = errors.New("cluster closed")
	// ErrClusterRetired marks a cluster replaced by a registry reload; the
	// call can be retried on the cluster the registry resolves now.
	ErrClusterRetired = errors.New("cluster retired")
	ErrStreamClosed   = errors.New("result stream closed")
	ErrPartitionCount = errors.New("partition count must be a power of 2")
	ErrNoPartitions   = errors.New("cluster has no partitions")
)

// Kind classifies a fatal call error.
type Kind uint8

const (
	KindInternal Kind = iota
	KindConnect
	KindProtocol
	KindTimeout
	KindRouting
	KindShape
	KindCanceled
	KindCodec
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindRouting:
		return "routing"
	case KindShape:
		return "shape"
	case KindCanceled:
		return "canceled"
	case KindCodec:
		return "codec"
	default:
		return "internal"
	}
}

// CallError is the single terminal error a call surfaces. Shard is -1 when
// the failure is not tied to one partition.
type CallError struct {
	Kind   Kind
	Shard  int
	Target string
	Err    error
}

func (e *CallError) Error() string {
	if e.Shard < 0 {
		return fmt.Sprintf("plproxy: %s", e.Err)
	}
	return fmt.Sprintf("plproxy: shard %d: %s", e.Shard, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf reports the kind of a call error. Errors that did not originate in
// this package are reported as KindInternal.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

func callErr(kind Kind, err error) *CallError {
	return &CallError{Kind: kind, Shard: -1, Err: err}
}

func connErr(kind Kind, c *Connection, err error) *CallError {
	return &CallError{Kind: kind, Shard: c.index, Target: c.target, Err: err}
}
