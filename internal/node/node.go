// Package node provides a fully-wired blockchain node that can be
// embedded in any binary.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/internal/chain"
	"github.com/tessera-net/tessera-chain/internal/events"
	klog "github.com/tessera-net/tessera-chain/internal/log"
	"github.com/tessera-net/tessera-chain/internal/mempool"
	"github.com/tessera-net/tessera-chain/internal/p2p"
	"github.com/tessera-net/tessera-chain/internal/rpc"
	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/tx"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

const (
	// syncBatch is the number of blocks requested per sync round-trip.
	syncBatch = 500

	// maxBackfill bounds the ancestor chain fetched for a single
	// gossiped block before giving up and deferring to range sync.
	maxBackfill = 512
)

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db   storage.DB
	bus  *events.Bus
	ch   *chain.Chain
	pool *mempool.Pool

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	syncing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, chain, mempool, P2P, RPC) but does NOT
// start background goroutines (sync, event loop). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/tesserad.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("initial_difficulty", genesis.InitialDifficulty).
		Msg("Starting Tessera Chain Node")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 4. Event bus ────────────────────────────────────────────────
	bus := events.NewBus()

	// ── 5. Chain ────────────────────────────────────────────────────
	ch, err := chain.NewChain(db, genesis, bus)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}

	if ch.TopoHeight() == 0 {
		logger.Info().
			Str("genesis", ch.GenesisHash().String()[:16]+"...").
			Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Uint64("topoheight", ch.TopoHeight()).
			Int("tips", len(ch.Tips())).
			Msg("Chain resumed from database")
	}

	// ── 6. Mempool ──────────────────────────────────────────────────
	pool := mempool.New(ch, cfg.Mempool.MaxSize, cfg.Mempool.MinFee)
	pool.SetBus(bus)

	logger.Info().
		Int("max_size", cfg.Mempool.MaxSize).
		Uint64("min_fee", cfg.Mempool.MinFee).
		Msg("Mempool ready")

	// ── 7. P2P ──────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	var syncer *p2p.Syncer
	var nodeRef *Node // set after Node is constructed; used by the block handler closure
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		p2pNode.SetGenesisHash(ch.GenesisHash())
		p2pNode.SetStatusFn(func() p2p.ChainStatus {
			return p2p.ChainStatus{
				Height:       ch.Height(),
				TopoHeight:   ch.TopoHeight(),
				StableHeight: ch.StableHeight(),
				Tips:         ch.Tips(),
			}
		})

		// Block handler with ancestor backfill for unknown tips.
		p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
			var blk block.Block
			if err := json.Unmarshal(data, &blk); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal block")
				p2pNode.Reputation.Report(from, p2p.OffenseInvalidBlock, "unmarshal: "+err.Error())
				return
			}
			if nodeRef == nil {
				return
			}
			if err := nodeRef.processBlockFrom(from, &blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					return
				}
				if !errors.Is(err, chain.ErrMissingParent) {
					p2pNode.Reputation.Report(from, p2p.OffenseInvalidBlock, err.Error())
				}
				logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process block")
				return
			}
			pool.RemoveConfirmed(blk.Transactions)

			logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Msg("Block received and accepted")
		})

		// Tx handler.
		p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
			var t tx.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
				p2pNode.Reputation.Report(from, p2p.OffenseInvalidTx, "unmarshal: "+err.Error())
				return
			}
			if err := pool.Add(&t); err != nil {
				logger.Debug().Err(err).Msg("Rejected transaction")
				p2pNode.Reputation.Report(from, p2p.OffenseInvalidTx, err.Error())
				return
			}
			logger.Info().
				Str("tx", t.Hash().String()[:16]+"...").
				Uint64("fee", t.Fee).
				Msg("Transaction added to mempool")
		})

		if err := p2pNode.Start(); err != nil {
			db.Close()
			return nil, fmt.Errorf("start P2P: %w", err)
		}

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		// Sync protocols: topo range, fetch-by-hash, status.
		syncer = p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(func(fromTopo uint64, max uint32) []*block.Block {
			var blocks []*block.Block
			top := ch.TopoHeight()
			for t := fromTopo; t <= top && uint32(len(blocks)) < max; t++ {
				blk, err := ch.GetBlockByTopo(t)
				if err != nil {
					break
				}
				blocks = append(blocks, blk)
			}
			return blocks
		})
		syncer.RegisterFetchHandler(func(hash types.Hash) *block.Block {
			blk, err := ch.GetBlock(hash)
			if err != nil {
				return nil
			}
			return blk
		})
		syncer.RegisterStatusHandler(func() p2p.ChainStatus {
			return p2p.ChainStatus{
				Height:       ch.Height(),
				TopoHeight:   ch.TopoHeight(),
				StableHeight: ch.StableHeight(),
				Tips:         ch.Tips(),
			}
		})
		logger.Info().Msg("Chain sync protocols registered")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 8. RPC server ───────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, ch, pool, p2pNode, genesis, cfg.RPC)
		rpcServer.SetEventBus(bus)
		if p2pNode != nil {
			rpcServer.SetReputation(p2pNode.Reputation)
		}
		if err := rpcServer.Start(); err != nil {
			if p2pNode != nil {
				p2pNode.Stop()
			}
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:       cfg,
		genesis:   genesis,
		logger:    logger,
		db:        db,
		bus:       bus,
		ch:        ch,
		pool:      pool,
		p2pNode:   p2pNode,
		syncer:    syncer,
		rpcServer: rpcServer,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Wire nodeRef for the gossip block handler.
	nodeRef = n

	return n, nil
}

// Start launches background goroutines: startup sync, periodic sync
// loop, and the finalization event loop.
func (n *Node) Start() error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runEventLoop()
	}()

	if n.p2pNode != nil && n.syncer != nil {
		n.runSync()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Uint64("topoheight", n.ch.TopoHeight()).
		Uint64("stableheight", n.ch.StableHeight()).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.bus != nil {
		n.bus.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// TopoHeight returns the current topological height.
func (n *Node) TopoHeight() uint64 {
	return n.ch.TopoHeight()
}

// ── Events ──────────────────────────────────────────────────────────

// runEventLoop evicts finalized and stale transactions from the
// mempool as blocks cross the stability boundary.
func (n *Node) runEventLoop() {
	sub := n.bus.Subscribe(events.TypeBlockFinalized)
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			blk, err := n.ch.GetBlock(ev.Hash)
			if err != nil {
				continue
			}
			n.pool.RemoveConfirmed(blk.Transactions)
			if dropped := n.pool.DropStale(); dropped > 0 {
				n.logger.Debug().
					Int("dropped", dropped).
					Uint64("height", ev.Height).
					Msg("Stale transactions evicted after finalization")
			}
		}
	}
}

// ── Sync ────────────────────────────────────────────────────────────

func (n *Node) runSyncLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.p2pNode.PeerCount() == 0 {
				continue
			}
			n.runSync()
		}
	}
}

// runSync queries a sample of peers for their chain view and downloads
// the ordered block range we are missing from the best one. Only one
// sync runs at a time; gossip-triggered backfill covers divergence near
// the tips.
func (n *Node) runSync() {
	if !n.syncing.CompareAndSwap(false, true) {
		return
	}
	defer n.syncing.Store(false)

	// Poll the peers with the highest advertised topo heights; the
	// peer set learns fresh views from each successful status reply.
	candidates := n.p2pNode.Peers().BestSynced(3)
	if len(candidates) == 0 {
		n.logger.Info().Msg("No peers for sync")
		return
	}

	var bestPeer peer.ID
	var best p2p.ChainStatus
	for _, id := range candidates {
		reqCtx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		status, err := n.syncer.RequestStatus(reqCtx, id)
		cancel()
		if err != nil {
			continue
		}
		if status.TopoHeight > best.TopoHeight || bestPeer == "" {
			best = *status
			bestPeer = id
		}
	}
	if bestPeer == "" {
		return
	}

	localTopo := n.ch.TopoHeight()
	if best.TopoHeight <= localTopo {
		n.logger.Info().Uint64("topoheight", localTopo).Msg("Chain is up to date")
		return
	}

	total := best.TopoHeight - localTopo
	n.logger.Info().
		Uint64("local", localTopo).
		Uint64("remote", best.TopoHeight).
		Uint64("blocks", total).
		Msg("Syncing chain")

	syncStart := time.Now()

	for from := localTopo + 1; from <= best.TopoHeight; from += syncBatch {
		max := uint32(syncBatch)
		if from+uint64(max)-1 > best.TopoHeight {
			max = uint32(best.TopoHeight - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, bestPeer, from, max)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			break
		}
		if len(blocks) == 0 {
			break
		}

		for _, blk := range blocks {
			if err := n.processBlockFrom(bestPeer, blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
		}

		synced := n.ch.TopoHeight() - localTopo
		pct := float64(synced) / float64(total) * 100
		elapsed := time.Since(syncStart).Seconds()
		bps := float64(synced) / elapsed
		remaining := ""
		if bps > 0 {
			eta := float64(total-synced) / bps
			remaining = fmt.Sprintf("%.0fs", eta)
		}

		n.logger.Info().
			Uint64("topoheight", n.ch.TopoHeight()).
			Uint64("target", best.TopoHeight).
			Str("progress", fmt.Sprintf("%.1f%%", pct)).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Str("eta", remaining).
			Msg("Syncing")
	}

	n.logger.Info().
		Uint64("topoheight", n.ch.TopoHeight()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// processBlockFrom adds a block to the chain, fetching any missing
// ancestors from the originating peer first. Ancestors are resolved
// depth-first so parents are always added before their children. The
// walk is bounded by maxBackfill; deeper gaps are left to range sync.
func (n *Node) processBlockFrom(peerID peer.ID, blk *block.Block) error {
	err := n.ch.AddBlock(blk)
	if err == nil || !errors.Is(err, chain.ErrMissingParent) {
		return err
	}
	if n.syncer == nil {
		return err
	}

	pending := []*block.Block{blk}
	seen := map[types.Hash]bool{blk.Hash(): true}

	for steps := 0; len(pending) > 0; steps++ {
		if steps > maxBackfill {
			return fmt.Errorf("ancestor backfill exceeded %d blocks: %w", maxBackfill, chain.ErrMissingParent)
		}

		cur := pending[len(pending)-1]

		var missing []types.Hash
		for _, tip := range cur.Header.Tips {
			if !n.ch.HasBlock(tip) && !seen[tip] {
				missing = append(missing, tip)
			}
		}

		if len(missing) == 0 {
			if err := n.ch.AddBlock(cur); err != nil && !errors.Is(err, chain.ErrBlockKnown) {
				return err
			}
			pending = pending[:len(pending)-1]
			continue
		}

		reqCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		fetched, err := n.syncer.FetchBlocks(reqCtx, peerID, missing)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch ancestors: %w", err)
		}
		if len(fetched) == 0 {
			return chain.ErrMissingParent
		}
		for _, f := range fetched {
			h := f.Hash()
			if seen[h] {
				continue
			}
			seen[h] = true
			pending = append(pending, f)
		}
	}

	return nil
}
