package chain

import (
	"math/big"
	"sort"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// TipSet tracks the current DAG tips: accepted blocks that no other
// accepted block references as a parent yet.
type TipSet struct {
	tips map[types.Hash]struct{}
}

// NewTipSet creates an empty tip set.
func NewTipSet() *TipSet {
	return &TipSet{tips: make(map[types.Hash]struct{})}
}

// Update records a newly accepted block: it becomes a tip and all of
// its direct parents stop being tips. Tips buried more than the stable
// height limit below the top are evicted, and the set is capped at the
// tip limit by dropping the lightest branches.
func (ts *TipSet) Update(dag *DAGIndex, hash types.Hash, parents []types.Hash, topHeight uint64) {
	for _, parent := range parents {
		delete(ts.tips, parent)
	}
	ts.tips[hash] = struct{}{}

	for tip := range ts.tips {
		m, ok := dag.Get(tip)
		if !ok {
			delete(ts.tips, tip)
			continue
		}
		if topHeight > m.Height && topHeight-m.Height > config.StableHeightLimit {
			delete(ts.tips, tip)
		}
	}

	if len(ts.tips) <= config.TipsLimit {
		return
	}
	metas := make([]*BlockMeta, 0, len(ts.tips))
	for tip := range ts.tips {
		if m, ok := dag.Get(tip); ok {
			metas = append(metas, m)
		}
	}
	sort.Slice(metas, func(i, j int) bool {
		return heavier(metas[i], metas[j])
	})
	for _, m := range metas[config.TipsLimit:] {
		delete(ts.tips, m.Hash)
	}
}

// Remove drops a hash from the tip set, for blocks orphaned by a
// reorder.
func (ts *TipSet) Remove(hash types.Hash) {
	delete(ts.tips, hash)
}

// Contains reports whether a hash is a current tip.
func (ts *TipSet) Contains(hash types.Hash) bool {
	_, ok := ts.tips[hash]
	return ok
}

// Len returns the number of tips.
func (ts *TipSet) Len() int {
	return len(ts.tips)
}

// List returns the tips sorted by hash.
func (ts *TipSet) List() []types.Hash {
	out := make([]types.Hash, 0, len(ts.tips))
	for tip := range ts.tips {
		out = append(out, tip)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Compare(out[j]) < 0
	})
	return out
}

// Reset replaces the tip set, used when restoring persisted state.
func (ts *TipSet) Reset(tips []types.Hash) {
	ts.tips = make(map[types.Hash]struct{}, len(tips))
	for _, tip := range tips {
		ts.tips[tip] = struct{}{}
	}
}

// Best returns the tip with the highest cumulative difficulty,
// breaking ties by lowest hash.
func (ts *TipSet) Best(dag *DAGIndex) (types.Hash, bool) {
	var best *BlockMeta
	for tip := range ts.tips {
		m, ok := dag.Get(tip)
		if !ok {
			continue
		}
		if best == nil || heavier(m, best) {
			best = m
		}
	}
	if best == nil {
		return types.Hash{}, false
	}
	return best.Hash, true
}

// SelectForTemplate picks the tips a new block should build on: tips
// whose cumulative difficulty is at least the threshold percentage of
// the heaviest tip's, capped at the tip limit, heaviest first.
func (ts *TipSet) SelectForTemplate(dag *DAGIndex) []types.Hash {
	metas := make([]*BlockMeta, 0, len(ts.tips))
	for tip := range ts.tips {
		if m, ok := dag.Get(tip); ok {
			metas = append(metas, m)
		}
	}
	if len(metas) == 0 {
		return nil
	}
	sort.Slice(metas, func(i, j int) bool {
		return heavier(metas[i], metas[j])
	})
	best := metas[0].CumulativeDifficulty
	selected := make([]types.Hash, 0, config.TipsLimit)
	for _, m := range metas {
		if !withinTipThreshold(m.CumulativeDifficulty, best) {
			continue
		}
		selected = append(selected, m.Hash)
		if len(selected) == config.TipsLimit {
			break
		}
	}
	return selected
}

// withinTipThreshold reports whether weight is at least the configured
// percentage of best. Computed in big.Int to avoid uint64 overflow on
// the multiply.
func withinTipThreshold(weight, best uint64) bool {
	lhs := new(big.Int).Mul(new(big.Int).SetUint64(weight), big.NewInt(100))
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(best), big.NewInt(config.TipDifficultyThresholdPercent))
	return lhs.Cmp(rhs) >= 0
}
