package chain

import (
	"sort"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// dagWindow is how many heights below the top stay in the in-memory
// index. Twice the stable height limit leaves the orderer's whole
// mutable region plus the difficulty anchors it reads.
const dagWindow = 2 * config.StableHeightLimit

// dagFloor returns the lowest height kept in memory for a given top.
func dagFloor(topHeight uint64) uint64 {
	if topHeight <= dagWindow {
		return 0
	}
	return topHeight - dagWindow
}

// DAGIndex holds the in-memory view of the block DAG: per-block
// metadata, the child edges and a height index. It covers a window of
// recent heights, wide enough for ordering and difficulty lookups;
// anything older is pruned and served from the store.
type DAGIndex struct {
	metas    map[types.Hash]*BlockMeta
	children map[types.Hash][]types.Hash
	byHeight map[uint64][]types.Hash
}

// NewDAGIndex creates an empty DAG index.
func NewDAGIndex() *DAGIndex {
	return &DAGIndex{
		metas:    make(map[types.Hash]*BlockMeta),
		children: make(map[types.Hash][]types.Hash),
		byHeight: make(map[uint64][]types.Hash),
	}
}

// Insert adds a block's metadata and its parent edges. Inserting the
// same hash twice is a no-op.
func (d *DAGIndex) Insert(m *BlockMeta) {
	if _, ok := d.metas[m.Hash]; ok {
		return
	}
	d.metas[m.Hash] = m
	d.byHeight[m.Height] = append(d.byHeight[m.Height], m.Hash)
	for _, tip := range m.Tips {
		d.children[tip] = append(d.children[tip], m.Hash)
	}
}

// Get returns the metadata for a block hash.
func (d *DAGIndex) Get(hash types.Hash) (*BlockMeta, bool) {
	m, ok := d.metas[hash]
	return m, ok
}

// Has reports whether a block is in the index.
func (d *DAGIndex) Has(hash types.Hash) bool {
	_, ok := d.metas[hash]
	return ok
}

// Len returns the number of indexed blocks.
func (d *DAGIndex) Len() int {
	return len(d.metas)
}

// Children returns the hashes of blocks that reference the given hash
// as a tip.
func (d *DAGIndex) Children(hash types.Hash) []types.Hash {
	return d.children[hash]
}

// AtHeight returns all block hashes recorded at a height, sorted by
// hash for determinism.
func (d *DAGIndex) AtHeight(height uint64) []types.Hash {
	hashes := append([]types.Hash(nil), d.byHeight[height]...)
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Compare(hashes[j]) < 0
	})
	return hashes
}

// Prune drops every block below the floor height from the index and
// returns how many were removed. Their metadata stays in the store.
func (d *DAGIndex) Prune(floor uint64) int {
	pruned := 0
	for height, hashes := range d.byHeight {
		if height >= floor {
			continue
		}
		for _, hash := range hashes {
			delete(d.metas, hash)
			delete(d.children, hash)
			pruned++
		}
		delete(d.byHeight, height)
	}
	return pruned
}

// HeaviestAtHeight returns the hash with the highest cumulative
// difficulty at a height, breaking ties by lowest hash.
func (d *DAGIndex) HeaviestAtHeight(height uint64) (types.Hash, bool) {
	var best *BlockMeta
	for _, hash := range d.byHeight[height] {
		m := d.metas[hash]
		if best == nil || heavier(m, best) {
			best = m
		}
	}
	if best == nil {
		return types.Hash{}, false
	}
	return best.Hash, true
}

// Reachable walks parent edges breadth-first from the given roots and
// returns every block visited with height > floor. Roots themselves
// are included when above the floor.
func (d *DAGIndex) Reachable(roots []types.Hash, floor uint64) map[types.Hash]struct{} {
	visited := make(map[types.Hash]struct{})
	queue := append([]types.Hash(nil), roots...)
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if _, seen := visited[hash]; seen {
			continue
		}
		m, ok := d.metas[hash]
		if !ok {
			continue
		}
		if m.Height == 0 || m.Height <= floor {
			continue
		}
		visited[hash] = struct{}{}
		queue = append(queue, m.Tips...)
	}
	return visited
}

// IsReachableFrom reports whether target can be reached from any of
// the roots by following parent edges. The walk stops descending past
// the target's height.
func (d *DAGIndex) IsReachableFrom(roots []types.Hash, target types.Hash) bool {
	tm, ok := d.metas[target]
	if !ok {
		return false
	}
	seen := make(map[types.Hash]struct{})
	queue := append([]types.Hash(nil), roots...)
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if hash == target {
			return true
		}
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		m, ok := d.metas[hash]
		if !ok || m.Height <= tm.Height {
			continue
		}
		queue = append(queue, m.Tips...)
	}
	return false
}

// heavier reports whether a outweighs b: higher cumulative difficulty
// wins, equal weight falls back to the lower hash.
func heavier(a, b *BlockMeta) bool {
	if a.CumulativeDifficulty != b.CumulativeDifficulty {
		return a.CumulativeDifficulty > b.CumulativeDifficulty
	}
	return a.Hash.Compare(b.Hash) < 0
}
