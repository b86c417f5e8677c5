package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// fixedValidator returns a Validator whose clock is pinned to the given
// millisecond timestamp.
func fixedValidator(nowMillis uint64) *Validator {
	v := NewValidator()
	v.now = func() time.Time {
		return time.UnixMilli(int64(nowMillis))
	}
	return v
}

func testBlock(t *testing.T, timestamp uint64) *block.Block {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return block.NewBlock(&block.Header{
		Version:    config.BlockVersion,
		Height:     1,
		Timestamp:  timestamp,
		Tips:       []types.Hash{crypto.Hash([]byte("parent"))},
		Miner:      key.PublicKey(),
		Difficulty: 1, // Target is max uint256, any hash passes.
	}, nil)
}

func TestValidateBlock(t *testing.T) {
	now := uint64(1_700_000_000_000)

	t.Run("valid", func(t *testing.T) {
		v := fixedValidator(now)
		if err := v.ValidateBlock(testBlock(t, now)); err != nil {
			t.Errorf("ValidateBlock = %v, want nil", err)
		}
	})

	t.Run("timestamp within tolerance", func(t *testing.T) {
		v := fixedValidator(now)
		blk := testBlock(t, now+config.TimestampFutureLimitMillis)
		if err := v.ValidateBlock(blk); err != nil {
			t.Errorf("ValidateBlock = %v, want nil", err)
		}
	})

	t.Run("timestamp too far ahead", func(t *testing.T) {
		v := fixedValidator(now)
		blk := testBlock(t, now+config.TimestampFutureLimitMillis+1)
		if err := v.ValidateBlock(blk); !errors.Is(err, ErrTimestampTooFar) {
			t.Errorf("ValidateBlock = %v, want ErrTimestampTooFar", err)
		}
	})

	t.Run("structural failure surfaces", func(t *testing.T) {
		v := fixedValidator(now)
		blk := testBlock(t, now)
		blk.Header.Tips = nil
		if err := v.ValidateBlock(blk); !errors.Is(err, block.ErrNoTips) {
			t.Errorf("ValidateBlock = %v, want ErrNoTips", err)
		}
	})

	t.Run("insufficient work surfaces", func(t *testing.T) {
		v := fixedValidator(now)
		blk := testBlock(t, now)
		blk.Header.Difficulty = ^uint64(0)
		if err := v.ValidateBlock(blk); !errors.Is(err, ErrInsufficientWork) {
			t.Errorf("ValidateBlock = %v, want ErrInsufficientWork", err)
		}
	})
}
