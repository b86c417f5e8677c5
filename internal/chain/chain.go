// Package chain implements the BlockDAG: block acceptance, tip
// tracking, canonical topological ordering with a bounded
// reorganization window, and the finalized ledger of balances, nonces
// and emission.
package chain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/internal/consensus"
	"github.com/tessera-net/tessera-chain/internal/events"
	"github.com/tessera-net/tessera-chain/internal/log"
	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/tx"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Chain is the consensus state machine. A single writer mutates it
// through AddBlock; readers take the shared lock.
type Chain struct {
	mu sync.RWMutex

	genesis     *config.Genesis
	genesisHash types.Hash

	store     *ChainStore
	dag       *DAGIndex
	tips      *TipSet
	orderer   *Orderer
	finalizer *finalizer
	validator *consensus.Validator
	bus       *events.Bus

	topHeight  uint64
	supply     uint64
	finalCount uint64
}

// NewChain opens or creates a chain on the given database. On a fresh
// database the genesis block is created, ordered at topo height zero
// and the initial allocations are credited. On an existing database
// the in-memory state is rebuilt and the genesis configuration is
// checked against the stored chain.
func NewChain(db storage.DB, genesis *config.Genesis, bus *events.Bus) (*Chain, error) {
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis config: %w", err)
	}

	c := &Chain{
		genesis:   genesis,
		store:     NewChainStore(db),
		dag:       NewDAGIndex(),
		tips:      NewTipSet(),
		orderer:   NewOrderer(),
		validator: consensus.NewValidator(),
		bus:       bus,
	}
	c.finalizer = &finalizer{store: c.store}

	genesisBlock, err := GenesisBlock(genesis)
	if err != nil {
		return nil, err
	}
	c.genesisHash = genesisBlock.Hash()

	if stored, ok := c.store.GenesisHash(); ok {
		if stored != c.genesisHash {
			return nil, fmt.Errorf("genesis mismatch: database has %s, config builds %s", stored, c.genesisHash)
		}
		if err := c.load(); err != nil {
			return nil, fmt.Errorf("loading chain state: %w", err)
		}
		log.Chain.Info().
			Uint64("height", c.topHeight).
			Uint64("topoheight", c.orderer.TopTopo()).
			Int("tips", c.tips.Len()).
			Msg("chain state restored")
		return c, nil
	}

	if err := c.initGenesis(genesisBlock); err != nil {
		return nil, fmt.Errorf("creating genesis: %w", err)
	}
	log.Chain.Info().
		Stringer("hash", c.genesisHash).
		Str("chain_id", genesis.ChainID).
		Msg("genesis block created")
	return c, nil
}

// initGenesis writes the genesis block, its metadata, the initial
// allocations and the chain state to a fresh database.
func (c *Chain) initGenesis(genesisBlock *block.Block) error {
	hash := genesisBlock.Hash()
	meta := &BlockMeta{
		Hash:                 hash,
		Height:               0,
		Timestamp:            genesisBlock.Header.Timestamp,
		Miner:                genesisBlock.Header.Miner,
		Difficulty:           genesisBlock.Header.Difficulty,
		CumulativeDifficulty: genesisBlock.Header.Difficulty,
		Status:               StatusSync,
		TopoHeight:           0,
		Ordered:              true,
	}

	if err := c.store.PutBlock(genesisBlock); err != nil {
		return err
	}
	if err := c.store.PutMeta(meta); err != nil {
		return err
	}
	if err := c.store.AddBlockAtHeight(0, hash); err != nil {
		return err
	}

	batch := c.store.NewBatch()
	if err := c.store.PutTopo(batch, 0, hash); err != nil {
		return err
	}
	for keyStr, amount := range c.genesis.Alloc {
		pk, err := types.HexToPubKey(keyStr)
		if err != nil {
			return err
		}
		if err := c.store.SetBalance(batch, pk, amount); err != nil {
			return err
		}
	}
	c.supply = c.genesis.TotalAlloc()
	if err := c.store.SetState(batch, []types.Hash{hash}, 0, 0, c.supply, 0); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	if err := c.store.SetGenesisHash(hash); err != nil {
		return err
	}

	c.dag.Insert(meta)
	c.tips.Reset([]types.Hash{hash})
	c.orderer.Restore([]types.Hash{hash})
	return nil
}

// load rebuilds the in-memory DAG index, tip set and canonical order
// from the store.
func (c *Chain) load() error {
	tips, topHeight, topTopo, supply, finalCount, ok, err := c.store.GetState()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("genesis recorded but chain state missing")
	}

	floor := dagFloor(topHeight)
	if err := c.store.ForEachMeta(func(m *BlockMeta) error {
		if m.Height >= floor {
			c.dag.Insert(m)
		}
		return nil
	}); err != nil {
		return err
	}

	order := make([]types.Hash, topTopo+1)
	for topo := uint64(0); topo <= topTopo; topo++ {
		hash, err := c.store.GetHashAtTopo(topo)
		if err != nil {
			return fmt.Errorf("topo %d: %w", topo, err)
		}
		order[topo] = hash
	}

	c.tips.Reset(tips)
	c.orderer.Restore(order)
	c.topHeight = topHeight
	c.supply = supply
	c.finalCount = finalCount
	return nil
}

// AddBlock validates a candidate block and, if accepted, inserts it
// into the DAG, updates the tips, recomputes the mutable suffix of the
// canonical order and finalizes any blocks that sank below the
// stability window. The whole transition is atomic under the chain
// lock.
func (c *Chain) AddBlock(blk *block.Block) error {
	hash := blk.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dag.Has(hash) {
		return ErrBlockKnown
	}
	// Blocks pruned from the in-memory window are still known.
	if known, err := c.store.HasBlock(hash); err == nil && known {
		return ErrBlockKnown
	}

	// Reject over-limit tip references before touching any state.
	if len(blk.Header.Tips) > config.TipsLimit {
		return fmt.Errorf("%w: %d tips, limit %d", ErrTipConstraint, len(blk.Header.Tips), config.TipsLimit)
	}

	if err := c.validator.ValidateBlock(blk); err != nil {
		return err
	}
	for _, t := range blk.Transactions {
		if err := t.VerifySignature(); err != nil {
			return fmt.Errorf("tx %s: %w", t.Hash(), err)
		}
	}

	parents := make([]*BlockMeta, 0, len(blk.Header.Tips))
	for _, tip := range blk.Header.Tips {
		m, ok := c.dag.Get(tip)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParent, tip)
		}
		parents = append(parents, m)
	}

	var maxParentHeight, maxParentTimestamp uint64
	for _, p := range parents {
		if p.Height > maxParentHeight {
			maxParentHeight = p.Height
		}
		if p.Timestamp > maxParentTimestamp {
			maxParentTimestamp = p.Timestamp
		}
	}
	if blk.Header.Height != maxParentHeight+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidHeight, blk.Header.Height, maxParentHeight+1)
	}
	if blk.Header.Timestamp < maxParentTimestamp {
		return fmt.Errorf("%w: block %d, parent %d", ErrTimestampBeforeParent, blk.Header.Timestamp, maxParentTimestamp)
	}

	// A block building on a tip buried deeper than the stability
	// window would force renumbering finalized positions. Keep the
	// block for provenance but never order it.
	for _, p := range parents {
		if c.topHeight > p.Height && c.topHeight-p.Height > config.StableHeightLimit {
			c.storeOrphan(blk, hash, parents)
			return fmt.Errorf("%w: parent %s at height %d, top height %d", ErrFinalityViolation, p.Hash, p.Height, c.topHeight)
		}
	}

	if len(parents) > 1 {
		// A tip that is an ancestor of another tip adds nothing to the
		// merge and would distort the cumulative difficulty anchor.
		for _, p := range parents {
			for _, q := range parents {
				if p == q {
					continue
				}
				if c.dag.IsReachableFrom([]types.Hash{p.Hash}, q.Hash) {
					return fmt.Errorf("%w: tip %s is an ancestor of tip %s", ErrTipConstraint, q.Hash, p.Hash)
				}
			}
		}

		// Parents must not diverge too far in accumulated work.
		best := parents[0]
		for _, p := range parents[1:] {
			if heavier(p, best) {
				best = p
			}
		}
		for _, p := range parents {
			if !withinTipThreshold(p.CumulativeDifficulty, best.CumulativeDifficulty) {
				return fmt.Errorf("%w: tip %s below difficulty threshold", ErrTipConstraint, p.Hash)
			}
		}
	}

	required, err := requiredDifficulty(c.dag, blk.Header)
	if err != nil {
		return err
	}
	if blk.Header.Difficulty != required {
		return fmt.Errorf("%w: got %d, want %d", ErrDifficultyMismatch, blk.Header.Difficulty, required)
	}

	anchor, _ := bestParent(c.dag, blk.Header.Tips)
	meta := &BlockMeta{
		Hash:                 hash,
		Height:               blk.Header.Height,
		Timestamp:            blk.Header.Timestamp,
		Tips:                 blk.Header.Tips,
		Miner:                blk.Header.Miner,
		Difficulty:           blk.Header.Difficulty,
		CumulativeDifficulty: anchor.CumulativeDifficulty + blk.Header.Difficulty,
	}

	if err := c.store.PutBlock(blk); err != nil {
		return err
	}
	if err := c.store.AddBlockAtHeight(meta.Height, hash); err != nil {
		return err
	}

	c.dag.Insert(meta)
	if meta.Height > c.topHeight {
		c.topHeight = meta.Height
	}
	c.tips.Update(c.dag, hash, blk.Header.Tips, c.topHeight)

	result := c.orderer.Reorder(c.dag, c.tips.List(), c.topHeight)

	batch := c.store.NewBatch()
	for _, ordered := range result.Ordered {
		m, _ := c.dag.Get(ordered)
		if err := c.store.PutTopo(batch, m.TopoHeight, ordered); err != nil {
			return err
		}
		if err := c.store.PutMeta(m); err != nil {
			return err
		}
	}
	for _, orphaned := range result.Orphaned {
		if err := c.store.DeleteTopoForHash(batch, orphaned); err != nil {
			return err
		}
		m, _ := c.dag.Get(orphaned)
		if err := c.store.PutMeta(m); err != nil {
			return err
		}
		c.tips.Remove(orphaned)
	}

	finalCount, supply, finalized, err := c.finalizer.finalize(c.dag, c.orderer.Order(), c.finalCount, c.supply, c.topHeight, batch)
	if err != nil {
		return err
	}
	c.finalCount = finalCount
	c.supply = supply

	if err := c.store.SetState(batch, c.tips.List(), c.topHeight, c.orderer.TopTopo(), c.supply, c.finalCount); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	c.dag.Prune(dagFloor(c.topHeight))

	log.Chain.Debug().
		Stringer("hash", hash).
		Uint64("height", meta.Height).
		Uint64("topoheight", meta.TopoHeight).
		Str("status", meta.Status.String()).
		Int("reordered", len(result.Ordered)).
		Int("orphaned", len(result.Orphaned)).
		Int("finalized", len(finalized)).
		Msg("block accepted")

	c.publish(events.Event{Type: events.TypeBlockAdded, Hash: hash, Height: meta.Height})
	for _, ordered := range result.Ordered {
		m, _ := c.dag.Get(ordered)
		c.publish(events.Event{Type: events.TypeBlockOrdered, Hash: ordered, Height: m.Height, TopoHeight: m.TopoHeight})
	}
	for _, orphaned := range result.Orphaned {
		m, _ := c.dag.Get(orphaned)
		c.publish(events.Event{Type: events.TypeBlockOrphaned, Hash: orphaned, Height: m.Height})
	}
	for _, fin := range finalized {
		c.publish(events.Event{Type: events.TypeBlockFinalized, Hash: fin.Hash, Height: fin.Height, TopoHeight: fin.Topo})
	}
	return nil
}

// storeOrphan persists a rejected block and its metadata with orphaned
// status so the block remains answerable by hash.
func (c *Chain) storeOrphan(blk *block.Block, hash types.Hash, parents []*BlockMeta) {
	anchor := parents[0]
	for _, p := range parents[1:] {
		if heavier(p, anchor) {
			anchor = p
		}
	}
	meta := &BlockMeta{
		Hash:                 hash,
		Height:               blk.Header.Height,
		Timestamp:            blk.Header.Timestamp,
		Tips:                 blk.Header.Tips,
		Miner:                blk.Header.Miner,
		Difficulty:           blk.Header.Difficulty,
		CumulativeDifficulty: anchor.CumulativeDifficulty + blk.Header.Difficulty,
		Status:               StatusOrphaned,
	}
	if err := c.store.PutBlock(blk); err != nil {
		log.Chain.Error().Err(err).Stringer("hash", hash).Msg("storing orphaned block")
		return
	}
	if err := c.store.PutMeta(meta); err != nil {
		log.Chain.Error().Err(err).Stringer("hash", hash).Msg("storing orphaned block meta")
		return
	}
	c.dag.Insert(meta)
	c.publish(events.Event{Type: events.TypeBlockOrphaned, Hash: hash, Height: meta.Height})
}

func (c *Chain) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() types.Hash {
	return c.genesisHash
}

// Genesis returns the chain's genesis configuration.
func (c *Chain) Genesis() *config.Genesis {
	return c.genesis
}

// Height returns the current top height of the DAG.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topHeight
}

// TopoHeight returns the highest assigned topo height.
func (c *Chain) TopoHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orderer.TopTopo()
}

// StableHeight returns the height at or below which the order is
// immutable.
func (c *Chain) StableHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return StableHeight(c.topHeight)
}

// Tips returns the current tips sorted by hash.
func (c *Chain) Tips() []types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tips.List()
}

// Supply returns the finalized circulating supply in base units.
func (c *Chain) Supply() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supply
}

// HasBlock reports whether a block was ever accepted, orphaned and
// pruned blocks included.
func (c *Chain) HasBlock(hash types.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dag.Has(hash) {
		return true
	}
	known, err := c.store.HasBlock(hash)
	return err == nil && known
}

// GetBlock retrieves a block by hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.store.GetBlock(hash)
}

// GetMeta returns a block's DAG metadata by hash, falling back to the
// store for blocks below the in-memory window.
func (c *Chain) GetMeta(hash types.Hash) (*BlockMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.dag.Get(hash); ok {
		cp := *m
		return &cp, true
	}
	m, err := c.store.GetMeta(hash)
	if err != nil {
		return nil, false
	}
	return m, true
}

// GetBlockByTopo retrieves the block at a topo height.
func (c *Chain) GetBlockByTopo(topo uint64) (*block.Block, error) {
	c.mu.RLock()
	hash, ok := c.orderer.At(topo)
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no block at topoheight %d", topo)
	}
	return c.store.GetBlock(hash)
}

// BlocksAtHeight returns the hashes of all blocks at a DAG height.
// Heights below the in-memory window come from the store index.
func (c *Chain) BlocksAtHeight(height uint64) []types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= dagFloor(c.topHeight) {
		return c.dag.AtHeight(height)
	}
	hashes, err := c.store.GetBlocksAtHeight(height)
	if err != nil {
		return nil
	}
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Compare(hashes[j]) < 0
	})
	return hashes
}

// BestAtHeight returns the heaviest block at a DAG height.
func (c *Chain) BestAtHeight(height uint64) (types.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= dagFloor(c.topHeight) {
		return c.dag.HeaviestAtHeight(height)
	}
	hashes, err := c.store.GetBlocksAtHeight(height)
	if err != nil {
		return types.Hash{}, false
	}
	var best *BlockMeta
	for _, hash := range hashes {
		m, err := c.store.GetMeta(hash)
		if err != nil {
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

// TopBlock returns the block at the highest topo height.
func (c *Chain) TopBlock() (*block.Block, error) {
	c.mu.RLock()
	hash, ok := c.orderer.At(c.orderer.TopTopo())
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("empty chain")
	}
	return c.store.GetBlock(hash)
}

// OrderRange returns the canonical order between two topo heights,
// inclusive, clamped to the current top.
func (c *Chain) OrderRange(start, end uint64) []types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	top := c.orderer.TopTopo()
	if start > top || end < start {
		return nil
	}
	if end > top {
		end = top
	}
	order := c.orderer.Order()
	return append([]types.Hash(nil), order[start:end+1]...)
}

// Balance returns an account's finalized balance.
func (c *Chain) Balance(key types.PublicKey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Balance(key)
}

// Nonce returns an account's finalized nonce.
func (c *Chain) Nonce(key types.PublicKey) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Nonce(key)
}

// Reward returns the reward credited to a finalized block.
func (c *Chain) Reward(hash types.Hash) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Reward(hash)
}

// SupplyAt returns the circulating supply at a finalized topo height.
func (c *Chain) SupplyAt(topo uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.SupplyAt(topo)
}

// GetTxLocation returns the hash of a block containing the transaction.
func (c *Chain) GetTxLocation(txHash types.Hash) (types.Hash, error) {
	return c.store.GetTxLocation(txHash)
}

// BlockTemplate assembles an unmined block for the given miner on top
// of the current tips. Transactions are placed in canonical hash
// order; the caller mines the nonce.
func (c *Chain) BlockTemplate(miner types.PublicKey, txs []*tx.Transaction) (*block.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	selected := c.tips.SelectForTemplate(c.dag)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no usable tips")
	}
	anchor, ok := bestParent(c.dag, selected)
	if !ok {
		return nil, fmt.Errorf("no usable tips")
	}

	var height, parentTimestamp uint64
	for _, tip := range selected {
		m, _ := c.dag.Get(tip)
		if m.Height >= height {
			height = m.Height
		}
		if m.Timestamp > parentTimestamp {
			parentTimestamp = m.Timestamp
		}
	}
	height++

	timestamp := uint64(time.Now().UnixMilli())
	if timestamp < parentTimestamp {
		timestamp = parentTimestamp
	}

	sorted := append([]*tx.Transaction(nil), txs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hash().Compare(sorted[j].Hash()) < 0
	})

	header := &block.Header{
		Version:    config.BlockVersion,
		Height:     height,
		Timestamp:  timestamp,
		Tips:       selected,
		TxRoot:     block.ComputeTxRoot(txHashes(sorted)),
		Miner:      miner,
		Difficulty: consensus.NextDifficulty(uint64(len(selected)), anchor.Timestamp, timestamp, anchor.Difficulty),
	}
	return block.NewBlock(header, sorted), nil
}

func txHashes(txs []*tx.Transaction) []types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	return hashes
}
