package rpc

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/internal/chain"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// maxOrderRange caps the number of hashes chain_getOrderRange returns
// in a single call.
const maxOrderRange = 500

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	tips := s.chain.Tips()
	tipStrs := make([]string, len(tips))
	for i, h := range tips {
		tipStrs[i] = h.String()
	}

	topHash := ""
	if top, err := s.chain.TopBlock(); err == nil {
		topHash = top.Hash().String()
	}

	return &ChainInfoResult{
		ChainID:      s.genesis.ChainID,
		Symbol:       s.genesis.Symbol,
		Height:       s.chain.Height(),
		TopoHeight:   s.chain.TopoHeight(),
		StableHeight: s.chain.StableHeight(),
		Supply:       s.chain.Supply(),
		Tips:         tipStrs,
		TopHash:      topHash,
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	hash, rpcErr := decodeHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}

	return s.blockResult(blk), nil
}

func (s *Server) handleChainGetBlockByTopo(req *Request) (interface{}, *Error) {
	var params TopoParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	blk, err := s.chain.GetBlockByTopo(params.TopoHeight)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no block at topoheight %d: %v", params.TopoHeight, err)}
	}

	return s.blockResult(blk), nil
}

func (s *Server) handleChainGetBlocksAtHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	hashes := s.chain.BlocksAtHeight(params.Height)
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}

	result := &BlocksAtHeightResult{
		Height: params.Height,
		Hashes: hexHashes,
	}
	if best, ok := s.chain.BestAtHeight(params.Height); ok {
		result.Best = best.String()
	}
	return result, nil
}

func (s *Server) handleChainGetTopBlock(_ *Request) (interface{}, *Error) {
	blk, err := s.chain.TopBlock()
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("top block: %v", err)}
	}
	return s.blockResult(blk), nil
}

func (s *Server) handleChainGetOrderRange(req *Request) (interface{}, *Error) {
	var params RangeParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.End < params.Start {
		return nil, &Error{Code: CodeInvalidParams, Message: "end must be >= start"}
	}
	if params.End-params.Start+1 > maxOrderRange {
		params.End = params.Start + maxOrderRange - 1
	}

	hashes := s.chain.OrderRange(params.Start, params.End)
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}

	return &OrderRangeResult{
		Start:  params.Start,
		Hashes: hexHashes,
	}, nil
}

func (s *Server) handleChainGetTransaction(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	txHash, rpcErr := decodeHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	// Check mempool first.
	if t := s.pool.Get(txHash); t != nil {
		result := NewTxResult(t)
		result.InMempool = true
		return result, nil
	}

	// Lookup via transaction index.
	blockHash, err := s.chain.GetTxLocation(txHash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
	}
	blk, err := s.chain.GetBlock(blockHash)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("load block: %v", err)}
	}
	for _, t := range blk.Transactions {
		if t.Hash() == txHash {
			result := NewTxResult(t)
			result.BlockHash = blockHash.String()
			return result, nil
		}
	}

	return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
}

func (s *Server) handleChainGetSupply(req *Request) (interface{}, *Error) {
	var params SupplyParam
	if req.Params != nil {
		if err := parseParams(req, &params); err != nil {
			return nil, err
		}
	}

	if params.TopoHeight == nil {
		return &SupplyResult{
			TopoHeight: s.chain.TopoHeight(),
			Supply:     s.chain.Supply(),
		}, nil
	}

	supply, ok := s.chain.SupplyAt(*params.TopoHeight)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no finalized supply at topoheight %d", *params.TopoHeight)}
	}
	return &SupplyResult{
		TopoHeight: *params.TopoHeight,
		Supply:     supply,
	}, nil
}

// ── Account endpoints ───────────────────────────────────────────────────

func (s *Server) handleAccountGetBalance(req *Request) (interface{}, *Error) {
	key, rpcErr := parseAccountParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return &BalanceResult{
		PubKey:  key.String(),
		Balance: s.chain.Balance(key),
	}, nil
}

func (s *Server) handleAccountGetNonce(req *Request) (interface{}, *Error) {
	key, rpcErr := parseAccountParam(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return &NonceResult{
		PubKey: key.String(),
		Nonce:  s.chain.Nonce(key),
	}, nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	if err := s.pool.Add(params.Transaction); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(params.Transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
		}
	}

	return &TxSubmitResult{
		TxHash: params.Transaction.Hash().String(),
	}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	if err := params.Transaction.Validate(); err != nil {
		return &TxValidateResult{Valid: false, Error: err.Error()}, nil
	}
	if err := params.Transaction.VerifySignature(); err != nil {
		return &TxValidateResult{Valid: false, Error: err.Error()}, nil
	}

	return &TxValidateResult{Valid: true}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(_ *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:  s.pool.Count(),
		MinFee: s.pool.MinFee(),
	}, nil
}

func (s *Server) handleMempoolGetContent(_ *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}
	return &MempoolContentResult{
		Hashes: hexHashes,
	}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if !p.StatusAt.IsZero() {
			infos[i].Height = p.Status.Height
			infos[i].TopoHeight = p.Status.TopoHeight
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.reputation == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.reputation.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			Strikes:   r.Strikes,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}

// ── Mining endpoints ─────────────────────────────────────────────────

func (s *Server) handleMiningGetBlockTemplate(req *Request) (interface{}, *Error) {
	var params MiningGetBlockTemplateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Miner == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "miner is required"}
	}

	miner, err := types.HexToPubKey(params.Miner)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid miner: must be 33-byte compressed hex"}
	}

	selected := s.pool.SelectForBlock(config.MaxBlockTxs)

	blk, err := s.chain.BlockTemplate(miner, selected)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("build template: %v", err)}
	}

	tips := make([]string, len(blk.Header.Tips))
	for i, h := range blk.Header.Tips {
		tips[i] = h.String()
	}

	return &MiningBlockTemplateResult{
		Block:      blk,
		Target:     difficultyTarget(blk.Header.Difficulty),
		Difficulty: blk.Header.Difficulty,
		Height:     blk.Header.Height,
		Tips:       tips,
	}, nil
}

func (s *Server) handleMiningSubmitBlock(req *Request) (interface{}, *Error) {
	var params MiningSubmitBlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Block == nil || params.Block.Header == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "block is required"}
	}

	if err := s.chain.AddBlock(params.Block); err != nil {
		if errors.Is(err, chain.ErrBlockKnown) {
			return nil, &Error{Code: CodeInvalidParams, Message: "block already known"}
		}
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("block rejected: %v", err)}
	}

	// Accepted blocks clear their transactions from the mempool.
	s.pool.RemoveConfirmed(params.Block.Transactions)

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastBlock(params.Block); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast block")
		}
	}

	return &MiningSubmitBlockResult{
		BlockHash: params.Block.Hash().String(),
		Height:    params.Block.Header.Height,
	}, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

// blockResult builds a BlockResult with the block's DAG metadata attached.
func (s *Server) blockResult(blk *block.Block) *BlockResult {
	hash := blk.Hash()
	meta, ok := s.chain.GetMeta(hash)
	if !ok {
		meta = nil
	}
	result := NewBlockResult(blk, meta)
	if meta != nil && meta.Finalized {
		if reward, ok := s.chain.Reward(hash); ok {
			result.Reward = &reward
		}
	}
	return result
}

// difficultyTarget formats maxUint256/difficulty as 64-char hex.
func difficultyTarget(difficulty uint64) string {
	if difficulty == 0 {
		difficulty = 1
	}
	targetInt := new(big.Int).Div(
		new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)),
		new(big.Int).SetUint64(difficulty),
	)
	return fmt.Sprintf("%064x", targetInt)
}

func decodeHash(s string) (types.Hash, *Error) {
	if s == "" {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	hash, err := types.HexToHash(s)
	if err != nil {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}
	return hash, nil
}

func parseAccountParam(req *Request) (types.PublicKey, *Error) {
	var params AccountParam
	if err := parseParams(req, &params); err != nil {
		return types.PublicKey{}, err
	}
	if params.PubKey == "" {
		return types.PublicKey{}, &Error{Code: CodeInvalidParams, Message: "pubkey is required"}
	}
	key, err := types.HexToPubKey(params.PubKey)
	if err != nil {
		return types.PublicKey{}, &Error{Code: CodeInvalidParams, Message: "invalid pubkey: must be 33-byte compressed hex"}
	}
	return key, nil
}
