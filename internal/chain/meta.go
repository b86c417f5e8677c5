package chain

import (
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Status classifies a block's role in the canonical order.
type Status uint8

const (
	// StatusUnknown: in the DAG but not yet classified.
	StatusUnknown Status = iota

	// StatusSync: the canonical block at its height.
	StatusSync

	// StatusSide: ordered off the heaviest path, earns a reduced reward.
	StatusSide

	// StatusOrphaned: excluded from the canonical order, earns nothing.
	StatusOrphaned
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSync:
		return "sync"
	case StatusSide:
		return "side"
	case StatusOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// BlockMeta is a DAG index node: the header fields consensus needs, plus
// everything the orderer derives. Once Finalized is set the derived
// fields never change again.
type BlockMeta struct {
	Hash       types.Hash      `json:"hash"`
	Height     uint64          `json:"height"`
	Timestamp  uint64          `json:"timestamp"`
	Tips       []types.Hash    `json:"tips"`
	Miner      types.PublicKey `json:"miner"`
	Difficulty uint64          `json:"difficulty"`

	// CumulativeDifficulty is Difficulty plus the heaviest parent's
	// cumulative difficulty.
	CumulativeDifficulty uint64 `json:"cumulative_difficulty"`

	Status Status `json:"status"`

	// TopoHeight is the position in the canonical order. Only valid
	// when Ordered is true.
	TopoHeight uint64 `json:"topoheight"`
	Ordered    bool   `json:"ordered"`

	// Finalized marks the block as past the stability boundary with its
	// ledger effects applied.
	Finalized bool `json:"finalized"`
}
