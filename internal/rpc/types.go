package rpc

import (
	"github.com/tessera-net/tessera-chain/internal/chain"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/tx"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// TopoParam is used by endpoints that take a topological height.
type TopoParam struct {
	TopoHeight uint64 `json:"topoheight"`
}

// HeightParam is used by endpoints that take a DAG height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// RangeParam is used by chain_getOrderRange. End is inclusive.
type RangeParam struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// AccountParam is used by account endpoints that take a public key.
type AccountParam struct {
	PubKey string `json:"pubkey"`
}

// SupplyParam is used by chain_getSupply. TopoHeight is optional;
// nil returns the current emitted supply.
type SupplyParam struct {
	TopoHeight *uint64 `json:"topoheight,omitempty"`
}

// TxSubmitParam is used by tx_submit and tx_validate.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// ── Block/Tx result types ───────────────────────────────────────────────

// BlockResult wraps a block with its hash and DAG metadata for RPC
// responses. Meta fields are omitted for blocks the DAG has not
// classified (orphans stored for provenance only).
type BlockResult struct {
	Hash                 string        `json:"hash"`
	Header               *block.Header `json:"header"`
	Status               string        `json:"status,omitempty"`
	TopoHeight           *uint64       `json:"topoheight,omitempty"`
	CumulativeDifficulty uint64        `json:"cumulative_difficulty,omitempty"`
	Finalized            bool          `json:"finalized,omitempty"`
	Reward               *uint64       `json:"reward,omitempty"`
	Transactions         []*TxResult   `json:"transactions"`
}

// TxResult wraps a transaction with its precomputed hash for RPC responses.
type TxResult struct {
	Hash      string          `json:"hash"`
	Version   uint32          `json:"version"`
	Owner     string          `json:"owner"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Transfers []tx.Transfer   `json:"transfers"`
	BlockHash string          `json:"block_hash,omitempty"`
	InMempool bool            `json:"in_mempool,omitempty"`
}

// NewBlockResult creates a BlockResult from a block, precomputing all hashes.
func NewBlockResult(b *block.Block, meta *chain.BlockMeta) *BlockResult {
	txResults := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txResults[i] = NewTxResult(t)
	}
	result := &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: txResults,
	}
	if meta != nil {
		result.Status = meta.Status.String()
		result.CumulativeDifficulty = meta.CumulativeDifficulty
		result.Finalized = meta.Finalized
		if meta.Ordered {
			topo := meta.TopoHeight
			result.TopoHeight = &topo
		}
	}
	return result
}

// NewTxResult creates a TxResult from a transaction, precomputing its hash.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:      t.Hash().String(),
		Version:   t.Version,
		Owner:     t.Owner.String(),
		Nonce:     t.Nonce,
		Fee:       t.Fee,
		Transfers: t.Transfers,
	}
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID      string   `json:"chain_id"`
	Symbol       string   `json:"symbol,omitempty"`
	Height       uint64   `json:"height"`
	TopoHeight   uint64   `json:"topoheight"`
	StableHeight uint64   `json:"stableheight"`
	Supply       uint64   `json:"supply"`
	Tips         []string `json:"tips"`
	TopHash      string   `json:"top_hash"`
}

// OrderRangeResult is returned by chain_getOrderRange.
type OrderRangeResult struct {
	Start  uint64   `json:"start"`
	Hashes []string `json:"hashes"`
}

// BlocksAtHeightResult is returned by chain_getBlocksAtHeight. Best is
// the heaviest block at the height, the one a sync position would go
// to.
type BlocksAtHeightResult struct {
	Height uint64   `json:"height"`
	Hashes []string `json:"hashes"`
	Best   string   `json:"best,omitempty"`
}

// BalanceResult is returned by account_getBalance.
type BalanceResult struct {
	PubKey  string `json:"pubkey"`
	Balance uint64 `json:"balance"`
}

// NonceResult is returned by account_getNonce.
type NonceResult struct {
	PubKey string `json:"pubkey"`
	Nonce  uint64 `json:"nonce"`
}

// SupplyResult is returned by chain_getSupply.
type SupplyResult struct {
	TopoHeight uint64 `json:"topoheight"`
	Supply     uint64 `json:"supply"`
}

// TxSubmitResult is returned by tx_submit.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count  int    `json:"count"`
	MinFee uint64 `json:"min_fee"`
}

// MempoolContentResult is returned by mempool_getContent.
type MempoolContentResult struct {
	Hashes []string `json:"hashes"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Height      uint64 `json:"height,omitempty"`
	TopoHeight  uint64 `json:"topoheight,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	Strikes   int    `json:"strikes"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// ── Mining param/result types ────────────────────────────────────────────

// MiningGetBlockTemplateParam is used by mining_getBlockTemplate.
type MiningGetBlockTemplateParam struct {
	Miner string `json:"miner"`
}

// MiningBlockTemplateResult is returned by mining_getBlockTemplate.
type MiningBlockTemplateResult struct {
	Block      *block.Block `json:"block"`      // Full block (nonce=0, ready to mine)
	Target     string       `json:"target"`     // Hex-encoded 256-bit target (hash must be <= this)
	Difficulty uint64       `json:"difficulty"` // Numeric difficulty
	Height     uint64       `json:"height"`     // Block height
	Tips       []string     `json:"tips"`       // Parent tips (hex)
}

// MiningSubmitBlockParam is used by mining_submitBlock.
type MiningSubmitBlockParam struct {
	Block *block.Block `json:"block"`
}

// MiningSubmitBlockResult is returned by mining_submitBlock.
type MiningSubmitBlockResult struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
}
