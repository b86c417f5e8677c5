package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Key prefixes and state keys for the chain store.
var (
	prefixBlock   = []byte("b/") // b/<hash(32)> -> block JSON
	prefixMeta    = []byte("m/") // m/<hash(32)> -> BlockMeta JSON
	prefixTopo    = []byte("o/") // o/<topo(8)> -> hash(32)
	prefixHashTop = []byte("O/") // O/<hash(32)> -> topo(8)
	prefixHeight  = []byte("h/") // h/<height(8)> -> hash(32) * n
	prefixBalance = []byte("a/") // a/<pubkey(33)> -> balance(8)
	prefixNonce   = []byte("n/") // n/<pubkey(33)> -> nonce(8)
	prefixReward  = []byte("r/") // r/<hash(32)> -> reward(8)
	prefixSupply  = []byte("s/") // s/<topo(8)> -> supply(8)
	prefixTx      = []byte("t/") // t/<txhash(32)> -> blockHash(32)

	keyTips       = []byte("x/tips")     // concatenated tip hashes
	keyTopHeight  = []byte("x/height")   // top height(8)
	keyTopTopo    = []byte("x/topo")     // top topoheight(8)
	keySupply     = []byte("x/supply")   // circulating supply(8)
	keyFinalCount = []byte("x/final")    // number of finalized blocks(8)
	keyGenesis    = []byte("x/genesis")  // genesis block hash(32)
)

// ChainStore persists the DAG, canonical order and ledger trees to a
// storage.DB. It is not safe for concurrent writers; Chain serializes
// all mutations.
type ChainStore struct {
	db storage.DB
}

// NewChainStore creates a chain store backed by the given database.
func NewChainStore(db storage.DB) *ChainStore {
	return &ChainStore{db: db}
}

// NewBatch returns an atomic batch when the backend supports one, or a
// pass-through writer otherwise.
func (cs *ChainStore) NewBatch() storage.Batch {
	if b, ok := cs.db.(storage.Batcher); ok {
		return b.NewBatch()
	}
	return &directBatch{db: cs.db}
}

// directBatch applies writes immediately for backends without batches.
type directBatch struct {
	db storage.DB
}

func (d *directBatch) Put(key, value []byte) error { return d.db.Put(key, value) }
func (d *directBatch) Delete(key []byte) error     { return d.db.Delete(key) }
func (d *directBatch) Commit() error               { return nil }

// PutBlock stores a block body and its transaction index entries.
func (cs *ChainStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := cs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		if err := cs.db.Put(txKey(txHash), hash[:]); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (cs *ChainStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := cs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// HasBlock checks if a block exists by hash.
func (cs *ChainStore) HasBlock(hash types.Hash) (bool, error) {
	return cs.db.Has(blockKey(hash))
}

// GetTxLocation returns the hash of a block containing the transaction.
func (cs *ChainStore) GetTxLocation(txHash types.Hash) (types.Hash, error) {
	data, err := cs.db.Get(txKey(txHash))
	if err != nil {
		return types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes", len(data))
	}
	var blockHash types.Hash
	copy(blockHash[:], data)
	return blockHash, nil
}

// PutMeta stores a block's DAG metadata.
func (cs *ChainStore) PutMeta(m *BlockMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("meta marshal: %w", err)
	}
	if err := cs.db.Put(metaKey(m.Hash), data); err != nil {
		return fmt.Errorf("meta put: %w", err)
	}
	return nil
}

// GetMeta retrieves a block's DAG metadata by hash.
func (cs *ChainStore) GetMeta(hash types.Hash) (*BlockMeta, error) {
	data, err := cs.db.Get(metaKey(hash))
	if err != nil {
		return nil, fmt.Errorf("meta get: %w", err)
	}
	var m BlockMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("meta unmarshal: %w", err)
	}
	return &m, nil
}

// ForEachMeta iterates over all stored block metadata.
func (cs *ChainStore) ForEachMeta(fn func(*BlockMeta) error) error {
	return cs.db.ForEach(prefixMeta, func(_, value []byte) error {
		var m BlockMeta
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("meta unmarshal: %w", err)
		}
		return fn(&m)
	})
}

// PutTopo writes both directions of the topo-height <-> hash mapping.
func (cs *ChainStore) PutTopo(batch storage.Batch, topo uint64, hash types.Hash) error {
	if err := batch.Put(topoKey(topo), hash[:]); err != nil {
		return fmt.Errorf("topo put: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], topo)
	if err := batch.Put(hashTopoKey(hash), buf[:]); err != nil {
		return fmt.Errorf("hash topo put: %w", err)
	}
	return nil
}

// DeleteTopoForHash removes a block's reverse topo mapping.
func (cs *ChainStore) DeleteTopoForHash(batch storage.Batch, hash types.Hash) error {
	return batch.Delete(hashTopoKey(hash))
}

// GetHashAtTopo returns the block hash at a topo height.
func (cs *ChainStore) GetHashAtTopo(topo uint64) (types.Hash, error) {
	data, err := cs.db.Get(topoKey(topo))
	if err != nil {
		return types.Hash{}, fmt.Errorf("topo get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt topo index: got %d bytes", len(data))
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, nil
}

// AddBlockAtHeight appends a hash to the blocks-at-height index.
func (cs *ChainStore) AddBlockAtHeight(height uint64, hash types.Hash) error {
	existing, err := cs.db.Get(heightKey(height))
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("height index get: %w", err)
	}
	// Idempotent: skip if already present.
	for i := 0; i+types.HashSize <= len(existing); i += types.HashSize {
		var h types.Hash
		copy(h[:], existing[i:])
		if h == hash {
			return nil
		}
	}
	updated := append(existing, hash[:]...)
	if err := cs.db.Put(heightKey(height), updated); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	return nil
}

// GetBlocksAtHeight returns all block hashes recorded at a height.
func (cs *ChainStore) GetBlocksAtHeight(height uint64) ([]types.Hash, error) {
	data, err := cs.db.Get(heightKey(height))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(data)%types.HashSize != 0 {
		return nil, fmt.Errorf("corrupt height index: %d bytes", len(data))
	}
	hashes := make([]types.Hash, 0, len(data)/types.HashSize)
	for i := 0; i+types.HashSize <= len(data); i += types.HashSize {
		var h types.Hash
		copy(h[:], data[i:])
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Balance returns an account's finalized balance (0 if absent).
func (cs *ChainStore) Balance(key types.PublicKey) uint64 {
	return cs.getUint64(balanceKey(key))
}

// SetBalance writes an account's balance into a batch.
func (cs *ChainStore) SetBalance(batch storage.Batch, key types.PublicKey, balance uint64) error {
	return putUint64(batch, balanceKey(key), balance)
}

// Nonce returns an account's finalized nonce (0 if absent).
func (cs *ChainStore) Nonce(key types.PublicKey) uint64 {
	return cs.getUint64(nonceKey(key))
}

// SetNonce writes an account's nonce into a batch.
func (cs *ChainStore) SetNonce(batch storage.Batch, key types.PublicKey, nonce uint64) error {
	return putUint64(batch, nonceKey(key), nonce)
}

// Reward returns the reward credited for a block, and whether one was
// recorded.
func (cs *ChainStore) Reward(hash types.Hash) (uint64, bool) {
	data, err := cs.db.Get(rewardKey(hash))
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// SetReward records a block's credited reward into a batch.
func (cs *ChainStore) SetReward(batch storage.Batch, hash types.Hash, reward uint64) error {
	return putUint64(batch, rewardKey(hash), reward)
}

// SupplyAt returns the circulating supply at a finalized topo height.
func (cs *ChainStore) SupplyAt(topo uint64) (uint64, bool) {
	data, err := cs.db.Get(supplyKey(topo))
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// SetSupplyAt records the circulating supply at a topo height into a batch.
func (cs *ChainStore) SetSupplyAt(batch storage.Batch, topo, supply uint64) error {
	return putUint64(batch, supplyKey(topo), supply)
}

// SetState persists the mutable chain state: tips, top height, top
// topo height, supply and finalized count.
func (cs *ChainStore) SetState(batch storage.Batch, tips []types.Hash, topHeight, topTopo, supply, finalCount uint64) error {
	tipBytes := make([]byte, 0, len(tips)*types.HashSize)
	for _, tip := range tips {
		tipBytes = append(tipBytes, tip[:]...)
	}
	if err := batch.Put(keyTips, tipBytes); err != nil {
		return fmt.Errorf("set tips: %w", err)
	}
	if err := putUint64(batch, keyTopHeight, topHeight); err != nil {
		return fmt.Errorf("set top height: %w", err)
	}
	if err := putUint64(batch, keyTopTopo, topTopo); err != nil {
		return fmt.Errorf("set top topo: %w", err)
	}
	if err := putUint64(batch, keySupply, supply); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	if err := putUint64(batch, keyFinalCount, finalCount); err != nil {
		return fmt.Errorf("set final count: %w", err)
	}
	return nil
}

// GetState loads the persisted chain state. ok is false on a fresh
// database.
func (cs *ChainStore) GetState() (tips []types.Hash, topHeight, topTopo, supply, finalCount uint64, ok bool, err error) {
	tipBytes, gerr := cs.db.Get(keyTips)
	if errors.Is(gerr, storage.ErrKeyNotFound) {
		return nil, 0, 0, 0, 0, false, nil
	}
	if gerr != nil {
		return nil, 0, 0, 0, 0, false, fmt.Errorf("get tips: %w", gerr)
	}
	if len(tipBytes)%types.HashSize != 0 {
		return nil, 0, 0, 0, 0, false, fmt.Errorf("corrupt tips: %d bytes", len(tipBytes))
	}
	for i := 0; i+types.HashSize <= len(tipBytes); i += types.HashSize {
		var h types.Hash
		copy(h[:], tipBytes[i:])
		tips = append(tips, h)
	}
	return tips, cs.getUint64(keyTopHeight), cs.getUint64(keyTopTopo),
		cs.getUint64(keySupply), cs.getUint64(keyFinalCount), true, nil
}

// SetGenesisHash records the genesis block hash.
func (cs *ChainStore) SetGenesisHash(hash types.Hash) error {
	return cs.db.Put(keyGenesis, hash[:])
}

// GenesisHash returns the recorded genesis block hash.
func (cs *ChainStore) GenesisHash() (types.Hash, bool) {
	data, err := cs.db.Get(keyGenesis)
	if err != nil || len(data) != types.HashSize {
		return types.Hash{}, false
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, true
}

func (cs *ChainStore) getUint64(key []byte) uint64 {
	data, err := cs.db.Get(key)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func putUint64(batch storage.Batch, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return batch.Put(key, buf[:])
}

func blockKey(hash types.Hash) []byte   { return hashKey(prefixBlock, hash) }
func metaKey(hash types.Hash) []byte    { return hashKey(prefixMeta, hash) }
func hashTopoKey(hash types.Hash) []byte { return hashKey(prefixHashTop, hash) }
func rewardKey(hash types.Hash) []byte  { return hashKey(prefixReward, hash) }
func txKey(hash types.Hash) []byte      { return hashKey(prefixTx, hash) }

func hashKey(prefix []byte, hash types.Hash) []byte {
	key := make([]byte, len(prefix)+types.HashSize)
	copy(key, prefix)
	copy(key[len(prefix):], hash[:])
	return key
}

func topoKey(topo uint64) []byte   { return uintKey(prefixTopo, topo) }
func heightKey(height uint64) []byte { return uintKey(prefixHeight, height) }
func supplyKey(topo uint64) []byte { return uintKey(prefixSupply, topo) }

func uintKey(prefix []byte, v uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], v)
	return key
}

func balanceKey(key types.PublicKey) []byte { return pubKeyKey(prefixBalance, key) }
func nonceKey(key types.PublicKey) []byte   { return pubKeyKey(prefixNonce, key) }

func pubKeyKey(prefix []byte, pk types.PublicKey) []byte {
	key := make([]byte, len(prefix)+types.PublicKeySize)
	copy(key, prefix)
	copy(key[len(prefix):], pk[:])
	return key
}
