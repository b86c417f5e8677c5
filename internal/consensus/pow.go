// Package consensus implements stateless proof-of-work and difficulty rules.
package consensus

import (
	"errors"
	"math/big"

	"github.com/tessera-net/tessera-chain/pkg/block"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Target returns MaxUint256 / difficulty as a 256-bit big.Int.
// A header hash interpreted as a big-endian integer must be <= this
// value to satisfy the stated difficulty.
func Target(difficulty uint64) *big.Int {
	d := new(big.Int).SetUint64(difficulty)
	return new(big.Int).Div(maxUint256, d)
}

// VerifyPoW checks that the block header hash meets the stated difficulty.
// Whether the stated difficulty itself is correct is checked separately
// against chain history by the difficulty estimator.
func VerifyPoW(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	t := Target(header.Difficulty)
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}
