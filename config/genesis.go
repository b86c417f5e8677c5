package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^8 base units. All on-chain values are in base units.
const (
	Decimals  = 8
	Coin      = 100_000_000 // 10^8 base units per coin
	MilliCoin = 100_000     // 10^5
)

// Emission constants.
const (
	// MaxSupply is the total coin cap in base units: 18,400,000 coins.
	MaxSupply uint64 = 18_400_000 * Coin

	// EmissionSpeedFactor controls the exponential decay of block rewards.
	// Each block's base reward is (MaxSupply - supply) >> EmissionSpeedFactor.
	EmissionSpeedFactor = 20

	// SideBlockRewardPercent is the fraction of the base reward paid to
	// side block miners. Side blocks extend the DAG off the heaviest path
	// but still contribute work, so they earn a reduced reward.
	SideBlockRewardPercent = 30
)

// Block timing and difficulty constants.
const (
	// BlockTimeMillis is the target interval between blocks.
	BlockTimeMillis uint64 = 15_000

	// ChainTimeRange is the elapsed-time unit for difficulty retargeting.
	ChainTimeRange uint64 = BlockTimeMillis * 2 / 3

	// DifficultyBoundDivisor caps how much the difficulty can move per
	// block: the per-step adjustment is parentDifficulty / 2048.
	DifficultyBoundDivisor uint64 = 2048

	// MinimumDifficulty is the floor the retarget never drops below.
	MinimumDifficulty uint64 = 1

	// TimestampFutureLimitMillis is how far into the future a block
	// timestamp may be relative to local clock.
	TimestampFutureLimitMillis uint64 = 2_000
)

// DAG structure constants.
const (
	// TipsLimit is the maximum number of parent tips a block may reference.
	TipsLimit = 3

	// StableHeightLimit bounds how deep a reorganization can reach. Blocks
	// at or below currentHeight - StableHeightLimit are final: their
	// topological position and ledger effects never change.
	StableHeightLimit uint64 = 8

	// TipDifficultyThresholdPercent is the cut for slow tips: a tip whose
	// cumulative difficulty is below 91% of the best tip's is ignored when
	// building new blocks.
	TipDifficultyThresholdPercent = 91
)

// Block and transaction limits (consensus-critical).
const (
	BlockVersion   = 0
	TxVersion      = 1
	MaxBlockSize   = 1_250_000 // 1.25 MB max block size (header + all tx signing bytes)
	MaxBlockTxs    = 1024      // Max transactions per block
	MaxTxTransfers = 255       // Max transfers per transaction
)

// ExtraNonceSize is the size of the free-form miner area in the header.
const ExtraNonceSize = 32

// Genesis holds the genesis block configuration.
// This is immutable after chain launch. Changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "TSR")

	// Genesis block
	Timestamp uint64 `json:"timestamp"` // Milliseconds since epoch
	ExtraData string `json:"extra_data,omitempty"`

	// Miner is the hex compressed public key credited with the genesis
	// block reward once the genesis block finalizes.
	Miner string `json:"miner"`

	// Initial allocations (hex compressed public key -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// InitialDifficulty is the declared difficulty of the genesis block
	// and the starting point for retargeting.
	InitialDifficulty uint64 `json:"initial_difficulty"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "tessera-mainnet-1",
		ChainName: "Tessera Mainnet",
		Symbol:    "TSR",
		Timestamp: 1774742400000, // 2026-03-29
		ExtraData: "Tessera Genesis",
		Miner:     "02a0c947f4172b797e8e0ff857a12cc5b34fbeae484dcd9737be0cbcbfd6fd99ab",
		Alloc: map[string]uint64{
			// Genesis allocation for bootstrap liquidity.
			"02a0c947f4172b797e8e0ff857a12cc5b34fbeae484dcd9737be0cbcbfd6fd99ab": 100_000 * Coin,
		},
		InitialDifficulty: 30_000_000, // ~2 MH/s at 15s blocks
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "tessera-testnet-1"
	g.ChainName = "Tessera Testnet"
	g.ExtraData = "Tessera Testnet Genesis"
	g.InitialDifficulty = 1
	g.Alloc = nil
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("timestamp is required")
	}
	if g.InitialDifficulty < MinimumDifficulty {
		return fmt.Errorf("initial_difficulty must be at least %d", MinimumDifficulty)
	}
	if g.Miner == "" {
		return fmt.Errorf("miner is required")
	}
	if _, err := types.HexToPubKey(g.Miner); err != nil {
		return fmt.Errorf("invalid miner key: %w", err)
	}

	// Validate alloc keys and check total doesn't exceed max supply.
	var totalAlloc uint64
	for keyStr, v := range g.Alloc {
		if _, err := types.HexToPubKey(keyStr); err != nil {
			return fmt.Errorf("invalid alloc key %q: %w", keyStr, err)
		}
		totalAlloc += v
	}
	if totalAlloc > MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max supply (%d)", totalAlloc, MaxSupply)
	}

	return nil
}

// MinerKey parses the genesis miner public key.
func (g *Genesis) MinerKey() (types.PublicKey, error) {
	return types.HexToPubKey(g.Miner)
}

// TotalAlloc sums the initial allocations in base units.
func (g *Genesis) TotalAlloc() uint64 {
	var total uint64
	for _, v := range g.Alloc {
		total += v
	}
	return total
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
