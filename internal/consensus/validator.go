package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/block"
)

// ErrTimestampTooFar is returned for blocks timestamped beyond the
// allowed clock drift.
var ErrTimestampTooFar = errors.New("block timestamp too far in the future")

// Validator runs the stateless checks on a candidate block: structure,
// proof of work and local-clock timestamp tolerance. Checks that need
// chain state (tip existence, difficulty, reachability) live in the
// chain package.
type Validator struct {
	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewValidator creates a block validator.
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// ValidateBlock checks a candidate block against the stateless rules.
// Safe for concurrent use: it reads no mutable state.
func (v *Validator) ValidateBlock(blk *block.Block) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}

	localMillis := uint64(v.now().UnixMilli())
	if blk.Header.Timestamp > localMillis+config.TimestampFutureLimitMillis {
		return fmt.Errorf("%w: block %d, local %d", ErrTimestampTooFar, blk.Header.Timestamp, localMillis)
	}

	if err := VerifyPoW(blk.Header); err != nil {
		return fmt.Errorf("proof of work: %w", err)
	}

	return nil
}
