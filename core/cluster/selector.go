package cluster

import (
	"context"
	"fmt"
)

// tag marks the connections the call runs on.
func (c *Cluster) tag(ctx context.Context, call *Call) error {
	switch call.Policy {
	case PolicyAll:
		for _, conn := range c.partMap[:c.partCount] {
			conn.tagged = true
		}
	case PolicyExact:
		if call.Partition < 0 || call.Partition >= c.partCount {
			return callErr(KindRouting, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, call.Partition, c.partCount))
		}
		c.partMap[call.Partition].tagged = true
	case PolicyAny:
		c.partMap[c.intn(c.partMask+1)].tagged = true
	case PolicyHash:
		return c.tagHash(ctx, call)
	default:
		return callErr(KindRouting, fmt.Errorf("%w: %d", ErrUnknownPolicy, call.Policy))
	}
	return nil
}

// tagHash derives the routing keys of the call and tags partMap[key & mask]
// for each. Every key is validated before anything is tagged.
func (c *Cluster) tagHash(ctx context.Context, call *Call) error {
	if c.keys == nil {
		return callErr(KindRouting, ErrNoKeyDeriver)
	}
	keys, err := c.keys.DeriveKeys(ctx, call)
	if err != nil {
		return callErr(KindRouting, fmt.Errorf("derive routing keys: %w", err))
	}

	slots := make([]int, len(keys))
	for i, key := range keys {
		v, err := routingValue(key)
		if err != nil {
			return callErr(KindRouting, err)
		}
		slots[i] = int(uint64(v) & uint64(c.partMask))
	}
	if len(keys) != 1 && !call.MultiRow {
		return callErr(KindRouting, fmt.Errorf("%w: got %d", ErrAmbiguousMultiRowHash, len(keys)))
	}

	for _, slot := range slots {
		c.partMap[slot].tagged = true
	}
	return nil
}

// routingValue widens an integer routing key. Negative keys keep their two's
// complement bits so masking selects the low bits.
func routingValue(key any) (int64, error) {
	switch v := key.(type) {
	case nil:
		return 0, ErrNullRoutingKey
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: got %T", ErrRoutingKeyType, key)
	}
}
