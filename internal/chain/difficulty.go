package chain

import (
	"github.com/tessera-net/tessera-chain/internal/consensus"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// bestParent picks the heaviest of a block's direct parents by
// cumulative difficulty, breaking ties by lowest hash. Retargeting
// anchors on this parent.
func bestParent(dag *DAGIndex, tips []types.Hash) (*BlockMeta, bool) {
	var best *BlockMeta
	for _, tip := range tips {
		m, ok := dag.Get(tip)
		if !ok {
			return nil, false
		}
		if best == nil || heavier(m, best) {
			best = m
		}
	}
	return best, best != nil
}

// requiredDifficulty computes the difficulty a candidate header must
// carry given its parents.
func requiredDifficulty(dag *DAGIndex, header *block.Header) (uint64, error) {
	parent, ok := bestParent(dag, header.Tips)
	if !ok {
		return 0, ErrMissingParent
	}
	return consensus.NextDifficulty(uint64(len(header.Tips)), parent.Timestamp, header.Timestamp, parent.Difficulty), nil
}
