package chain

import (
	"sort"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Orderer maintains the canonical total order of the DAG. The order is
// a sequence of block hashes indexed by topo height. Blocks at or
// below the stable height are frozen; the suffix above it is recomputed
// from the current tip set after every accepted block.
type Orderer struct {
	order []types.Hash
}

// NewOrderer creates an orderer with an empty canonical order.
func NewOrderer() *Orderer {
	return &Orderer{}
}

// Restore replaces the canonical order, used when loading from disk.
func (o *Orderer) Restore(order []types.Hash) {
	o.order = order
}

// Order returns the canonical order. The caller must not modify it.
func (o *Orderer) Order() []types.Hash {
	return o.order
}

// TopTopo returns the highest assigned topo height.
func (o *Orderer) TopTopo() uint64 {
	if len(o.order) == 0 {
		return 0
	}
	return uint64(len(o.order) - 1)
}

// At returns the hash at a topo height.
func (o *Orderer) At(topo uint64) (types.Hash, bool) {
	if topo >= uint64(len(o.order)) {
		return types.Hash{}, false
	}
	return o.order[topo], true
}

// ReorderResult describes what a reorder changed: blocks that gained
// or moved to a topo position, and blocks dropped from the order.
type ReorderResult struct {
	Ordered  []types.Hash
	Orphaned []types.Hash
}

// StableHeight returns the height at or below which the order is
// frozen, saturating at zero.
func StableHeight(topHeight uint64) uint64 {
	if topHeight < config.StableHeightLimit {
		return 0
	}
	return topHeight - config.StableHeightLimit
}

// Reorder recomputes the mutable suffix of the canonical order. The
// frozen prefix (heights at or below the stable height, plus genesis)
// keeps its topo positions. The suffix is every block reachable from
// the current tips above the stable height, sorted by height
// ascending, cumulative difficulty descending, hash ascending. Blocks
// previously ordered that fall out of the suffix are orphaned. Block
// metadata in the index is updated in place.
func (o *Orderer) Reorder(dag *DAGIndex, tips []types.Hash, topHeight uint64) *ReorderResult {
	stable := StableHeight(topHeight)

	// Split the current order into the frozen prefix and the old
	// mutable suffix. Topo assignment is height-ascending so the
	// frozen blocks form a contiguous prefix.
	frozen := o.order
	var oldSuffix []types.Hash
	for i, hash := range o.order {
		m, ok := dag.Get(hash)
		if !ok {
			continue
		}
		if m.Height > stable {
			frozen = o.order[:i]
			oldSuffix = o.order[i:]
			break
		}
	}

	// Collect the new suffix: blocks reachable from the tips above
	// the stable height.
	reachable := dag.Reachable(tips, stable)
	suffix := make([]types.Hash, 0, len(reachable))
	for hash := range reachable {
		suffix = append(suffix, hash)
	}
	sort.Slice(suffix, func(i, j int) bool {
		a, _ := dag.Get(suffix[i])
		b, _ := dag.Get(suffix[j])
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return heavier(a, b)
	})

	result := &ReorderResult{}

	// Orphan blocks that were ordered but are no longer reachable.
	for _, hash := range oldSuffix {
		if _, ok := reachable[hash]; ok {
			continue
		}
		m, found := dag.Get(hash)
		if !found {
			continue
		}
		m.Status = StatusOrphaned
		m.Ordered = false
		m.TopoHeight = 0
		result.Orphaned = append(result.Orphaned, hash)
	}

	// Assign topo heights to the new suffix. The first block at each
	// height is the heaviest branch there and becomes Sync; the rest
	// are Side.
	newOrder := append(append([]types.Hash(nil), frozen...), suffix...)
	var prevHeight uint64
	first := true
	for i := len(frozen); i < len(newOrder); i++ {
		hash := newOrder[i]
		m, _ := dag.Get(hash)
		status := StatusSide
		if first || m.Height != prevHeight {
			status = StatusSync
		}
		prevHeight = m.Height
		first = false

		topo := uint64(i)
		changed := !m.Ordered || m.TopoHeight != topo || m.Status != status
		m.Ordered = true
		m.TopoHeight = topo
		m.Status = status
		if changed {
			result.Ordered = append(result.Ordered, hash)
		}
	}

	o.order = newOrder
	return result
}
