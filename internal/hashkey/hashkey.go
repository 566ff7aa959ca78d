// Package hashkey derives integer routing keys from arbitrary text so that
// hash-routed calls can be tagged without a round trip to a local database.
package hashkey

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Text hashes s to a signed 32-bit routing key.
func Text(s string) int32 {
	return Bytes([]byte(s))
}

// Bytes hashes b to a signed 32-bit routing key.
func Bytes(b []byte) int32 {
	// 4-byte digest => 32-bit key, matching the width of an int4 hash column
	h, _ := blake2b.New(4, nil)
	h.Write(b)
	return int32(binary.BigEndian.Uint32(h.Sum(nil)))
}
