package block

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader     = errors.New("block has nil header")
	ErrBadVersion    = errors.New("unsupported block version")
	ErrZeroTimestamp = errors.New("block timestamp is zero")
	ErrNoTips        = errors.New("block references no tips")
	ErrTooManyTips   = errors.New("block references too many tips")
	ErrDuplicateTips = errors.New("duplicate tip reference")
	ErrGenesisTips   = errors.New("genesis block must not reference tips")
	ErrMissingMiner  = errors.New("block missing miner key")
	ErrBadTxRoot     = errors.New("transaction root mismatch")
	ErrBadTxOrder    = errors.New("transactions not in canonical order")
	ErrDuplicateTx   = errors.New("duplicate transaction in block")
	ErrTooManyTxs    = errors.New("too many transactions in block")
	ErrBlockTooLarge = errors.New("block too large")
)

// Validate checks block structure and internal consistency.
// This does NOT verify consensus rules: proof of work, tip reachability
// and timestamps against parents are checked by the chain.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version != config.BlockVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, b.Header.Version, config.BlockVersion)
	}

	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}

	// Genesis (height 0) is the only block without parents.
	if b.Header.Height == 0 {
		if len(b.Header.Tips) != 0 {
			return ErrGenesisTips
		}
	} else {
		if len(b.Header.Tips) == 0 {
			return ErrNoTips
		}
		if len(b.Header.Tips) > config.TipsLimit {
			return fmt.Errorf("%w: %d tips, max %d", ErrTooManyTips, len(b.Header.Tips), config.TipsLimit)
		}
	}

	seen := make(map[types.Hash]bool, len(b.Header.Tips))
	for _, tip := range b.Header.Tips {
		if seen[tip] {
			return fmt.Errorf("%w: %s", ErrDuplicateTips, tip)
		}
		seen[tip] = true
	}

	if b.Header.Miner.IsZero() {
		return ErrMissingMiner
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}
	if size := b.Size(); size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	// Verify transaction root.
	txHashes := b.TxHashes()
	expectedRoot := ComputeTxRoot(txHashes)
	if b.Header.TxRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadTxRoot, b.Header.TxRoot, expectedRoot)
	}

	// Canonical tx ordering: sorted by hash ascending, which also rules
	// out duplicates.
	for i := 1; i < len(txHashes); i++ {
		cmp := bytes.Compare(txHashes[i-1][:], txHashes[i][:])
		if cmp == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateTx, txHashes[i])
		}
		if cmp > 0 {
			return fmt.Errorf("%w: tx %d hash > tx %d hash", ErrBadTxOrder, i-1, i)
		}
	}

	// Validate each transaction structurally.
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	return nil
}
