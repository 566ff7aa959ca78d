package pgx

import (
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gridl/plproxy/core/cluster"
)

// Codec encodes call arguments and decodes result columns with the pgtype
// registry. Types it does not know fall back to cluster.TextCodec.
type Codec struct {
	mu   sync.Mutex
	m    *pgtype.Map
	text cluster.TextCodec
}

func NewCodec() *Codec {
	return &Codec{m: pgtype.NewMap()}
}

func (c *Codec) Encode(oid uint32, value any, allowBinary bool) ([]byte, int16, error) {
	if value == nil {
		return nil, cluster.TextFormat, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.m.TypeForOID(oid); !ok {
		return c.text.Encode(oid, value, allowBinary)
	}
	format := int16(pgtype.TextFormatCode)
	if allowBinary && c.m.FormatCodeForOID(oid) == pgtype.BinaryFormatCode {
		format = pgtype.BinaryFormatCode
	}
	data, err := c.m.Encode(oid, format, value, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("encode oid %d: %w", oid, err)
	}
	return data, format, nil
}

func (c *Codec) Decode(oid uint32, format int16, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.m.TypeForOID(oid)
	if !ok {
		return c.text.Decode(oid, format, data)
	}
	v, err := t.Codec.DecodeValue(c.m, oid, format, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.Name, err)
	}
	return v, nil
}

var _ cluster.Codec = (*Codec)(nil)
