// Package crypto provides the hashing and signature primitives used by
// the Tessera consensus core. Consensus itself treats both as opaque
// collaborators; everything here is stateless and safe for concurrent use.
package crypto

import (
	"github.com/tessera-net/tessera-chain/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
