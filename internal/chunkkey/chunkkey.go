// Package chunkkey defines the content-addressed key used throughout the
// cacher to identify a chunk by the BLAKE3-256 digest of its bytes.
package chunkkey

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a ChunkKey.
const Size = 32

// Key is a 32-byte BLAKE3 digest identifying a chunk's content.
// Equality and ordering are byte-lexicographic, so Key is safe to use
// directly as a map key and with the < operator is unavailable but Less
// provides the same ordering.
type Key [Size]byte

// Sum computes the ChunkKey for the given bytes.
func Sum(data []byte) Key {
	digest := blake3.Sum256(data)
	return Key(digest)
}

// Less reports whether k sorts before other in byte-lexicographic order.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseHex parses a hex-encoded ChunkKey, e.g. for debug logging or tests.
func ParseHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("chunkkey: decode hex: %w", err)
	}
	if len(b) != Size {
		return k, fmt.Errorf("chunkkey: expected %d bytes, got %d", Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}
