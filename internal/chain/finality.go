package chain

import (
	"fmt"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// FinalizedBlock reports one block finalized by a call to finalize.
type FinalizedBlock struct {
	Hash   types.Hash
	Topo   uint64
	Height uint64
	Reward uint64
	Supply uint64
}

// BaseReward computes the emission reward for the next finalized block
// given the current circulating supply.
func BaseReward(supply uint64) uint64 {
	if supply >= config.MaxSupply {
		return 0
	}
	return (config.MaxSupply - supply) >> config.EmissionSpeedFactor
}

// finalizer applies rewards and transactions for blocks that have
// sunk below the stability window. A block is finalized exactly once,
// in topo order.
type finalizer struct {
	store *ChainStore
}

// finalize walks the canonical order from the first unfinalized topo
// height up to topTopo minus the stable height limit, crediting the
// emission reward (a side block earns the reduced percentage) and
// applying each block's transactions against the finalized ledger.
// Transactions with a stale nonce or insufficient balance are skipped.
// All writes go through the batch; the caller commits it.
//
// The walk also stops at the first block above the stable height: the
// orderer freezes positions by height, and side blocks advance topo
// faster than height, so the topo cutoff alone could reach into the
// suffix the orderer is still allowed to renumber.
func (f *finalizer) finalize(dag *DAGIndex, order []types.Hash, finalCount, supply, topHeight uint64, batch storage.Batch) (uint64, uint64, []FinalizedBlock, error) {
	if len(order) == 0 {
		return finalCount, supply, nil, nil
	}
	topTopo := uint64(len(order) - 1)
	if topTopo < config.StableHeightLimit {
		return finalCount, supply, nil, nil
	}
	cutoff := topTopo - config.StableHeightLimit
	if finalCount > cutoff {
		return finalCount, supply, nil, nil
	}
	stable := StableHeight(topHeight)

	ledger := newLedgerView(f.store)
	var finalized []FinalizedBlock
	next := finalCount

	for topo := finalCount; topo <= cutoff; topo++ {
		hash := order[topo]
		m, ok := dag.Get(hash)
		if !ok {
			return finalCount, supply, nil, fmt.Errorf("finalize: missing meta for %s", hash)
		}
		if m.Height > stable {
			break
		}
		if m.Finalized {
			return finalCount, supply, nil, fmt.Errorf("finalize: %s at topo %d already finalized", hash, topo)
		}
		blk, err := f.store.GetBlock(hash)
		if err != nil {
			return finalCount, supply, nil, fmt.Errorf("finalize %s: %w", hash, err)
		}

		reward := BaseReward(supply)
		if m.Status == StatusSide {
			reward = reward * config.SideBlockRewardPercent / 100
		}
		supply += reward
		ledger.credit(m.Miner, reward)

		fees := f.applyTransactions(ledger, blk)
		ledger.credit(m.Miner, fees)

		if err := f.store.SetReward(batch, hash, reward); err != nil {
			return finalCount, supply, nil, err
		}
		if err := f.store.SetSupplyAt(batch, topo, supply); err != nil {
			return finalCount, supply, nil, err
		}
		m.Finalized = true
		if err := f.store.PutMeta(m); err != nil {
			return finalCount, supply, nil, err
		}

		finalized = append(finalized, FinalizedBlock{
			Hash:   hash,
			Topo:   topo,
			Height: m.Height,
			Reward: reward,
			Supply: supply,
		})
		next = topo + 1
	}

	if err := ledger.flush(batch); err != nil {
		return finalCount, supply, nil, err
	}
	return next, supply, finalized, nil
}

// applyTransactions executes a block's transactions against the
// ledger view and returns the total fees collected. A transaction
// whose nonce does not match the account's current nonce, or whose
// owner cannot cover the full spend, is skipped.
func (f *finalizer) applyTransactions(ledger *ledgerView, blk *block.Block) uint64 {
	var fees uint64
	for _, t := range blk.Transactions {
		spend, err := t.TotalSpend()
		if err != nil {
			continue
		}
		if t.Nonce != ledger.nonce(t.Owner) {
			continue
		}
		if ledger.balance(t.Owner) < spend {
			continue
		}
		ledger.debit(t.Owner, spend)
		for _, transfer := range t.Transfers {
			ledger.credit(transfer.To, transfer.Amount)
		}
		ledger.bumpNonce(t.Owner)
		fees += t.Fee
	}
	return fees
}
