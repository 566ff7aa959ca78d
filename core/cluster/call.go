package cluster

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gridl/plproxy/core/query"
	"github.com/gridl/plproxy/internal/hashkey"
)

// Policy decides which partitions run a call.
type Policy uint8

const (
	PolicyHash Policy = iota + 1
	PolicyAll
	PolicyExact
	PolicyAny
)

func (p Policy) String() string {
	switch p {
	case PolicyHash:
		return "hash"
	case PolicyAll:
		return "all"
	case PolicyExact:
		return "exact"
	case PolicyAny:
		return "any"
	default:
		return "unknown"
	}
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{PolicyHash, PolicyAll, PolicyExact, PolicyAny} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// ResultShape is the row type the caller expects back.
type ResultShape struct {
	// Columns lists the expected column names of a composite result.
	Columns []string
	// Scalar results have exactly one column.
	Scalar bool
	// Void scalars yield a nil marker per row.
	Void bool
	// Binary reports whether every result type can be received in binary.
	Binary bool
}

func ScalarShape() ResultShape { return ResultShape{Scalar: true, Binary: true} }

func VoidShape() ResultShape { return ResultShape{Scalar: true, Void: true} }

func CompositeShape(columns ...string) ResultShape {
	return ResultShape{Columns: columns, Binary: true}
}

// Call is one logical invocation routed through a cluster.
type Call struct {
	Policy Policy
	// Partition is the target index for PolicyExact.
	Partition int

	Query query.Statement
	// HashQuery derives routing keys for PolicyHash. It is handed to the
	// cluster's KeyDeriver and never sent to a shard.
	HashQuery query.Statement

	Args []any
	// ArgTypes holds the type OID of each call argument; 0 leaves the type
	// to the server.
	ArgTypes []uint32

	// MultiRow calls may route to any number of partitions under PolicyHash.
	MultiRow bool

	Shape ResultShape
}

func (c *Call) argType(idx int) uint32 {
	if idx < len(c.ArgTypes) {
		return c.ArgTypes[idx]
	}
	return 0
}

// KeyDeriver runs the hash step of a call and returns one routing key per
// target row.
type KeyDeriver interface {
	DeriveKeys(ctx context.Context, call *Call) ([]any, error)
}

// KeyFunc adapts a function to KeyDeriver.
type KeyFunc func(ctx context.Context, call *Call) ([]any, error)

func (f KeyFunc) DeriveKeys(ctx context.Context, call *Call) ([]any, error) { return f(ctx, call) }

// HashTextKeys derives int32 routing keys locally by hashing the text of the
// given call arguments. A []string argument contributes one key per element.
func HashTextKeys(argIdx ...int) KeyDeriver {
	return KeyFunc(func(_ context.Context, call *Call) ([]any, error) {
		keys := make([]any, 0, len(argIdx))
		for _, idx := range argIdx {
			if idx < 0 || idx >= len(call.Args) {
				return nil, fmt.Errorf("hash argument %d: %w", idx, query.ErrArgRef)
			}
			switch v := call.Args[idx].(type) {
			case nil:
				keys = append(keys, nil)
			case []string:
				for _, s := range v {
					keys = append(keys, hashkey.Text(s))
				}
			case []byte:
				keys = append(keys, hashkey.Bytes(v))
			case string:
				keys = append(keys, hashkey.Text(v))
			default:
				keys = append(keys, hashkey.Text(fmt.Sprint(v)))
			}
		}
		return keys, nil
	})
}

// Codec converts call arguments to their wire form and result values back.
type Codec interface {
	// Encode returns the wire form of value and its format. A nil value
	// encodes to a nil slice (SQL NULL).
	Encode(oid uint32, value any, allowBinary bool) ([]byte, int16, error)
	Decode(oid uint32, format int16, data []byte) (any, error)
}

// TextCodec sends every argument in text format and returns text columns as
// strings and binary columns as raw bytes.
type TextCodec struct{}

func (TextCodec) Encode(_ uint32, value any, _ bool) ([]byte, int16, error) {
	switch v := value.(type) {
	case nil:
		return nil, TextFormat, nil
	case []byte:
		return v, TextFormat, nil
	case string:
		return []byte(v), TextFormat, nil
	case bool:
		if v {
			return []byte("t"), TextFormat, nil
		}
		return []byte("f"), TextFormat, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), TextFormat, nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), TextFormat, nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), TextFormat, nil
	case int64:
		return strconv.AppendInt(nil, v, 10), TextFormat, nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), TextFormat, nil
	case time.Time:
		return []byte(v.Format(time.RFC3339Nano)), TextFormat, nil
	case fmt.Stringer:
		return []byte(v.String()), TextFormat, nil
	default:
		return []byte(fmt.Sprint(v)), TextFormat, nil
	}
}

func (TextCodec) Decode(_ uint32, format int16, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if format == BinaryFormat {
		return append([]byte(nil), data...), nil
	}
	return string(data), nil
}

var _ Codec = TextCodec{}
