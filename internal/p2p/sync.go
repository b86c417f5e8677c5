package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// SyncProtocol is the protocol ID for ordered chain synchronization.
	SyncProtocol = protocol.ID("/tessera/sync/1.0.0")

	// FetchProtocol is the protocol ID for fetching specific blocks by
	// hash, used to backfill missing parents of gossiped blocks.
	FetchProtocol = protocol.ID("/tessera/fetch/1.0.0")

	// syncReadTimeout is the max time to read a sync response.
	syncReadTimeout = 30 * time.Second

	// maxSyncResponseBytes limits sync response size (10 MB).
	maxSyncResponseBytes = 10 * 1024 * 1024

	// maxSyncBlocks caps blocks per sync response.
	maxSyncBlocks = 500

	// maxFetchHashes caps hashes per fetch request.
	maxFetchHashes = 64
)

// SyncRequest asks a peer for blocks of the canonical order starting
// at a topo height.
type SyncRequest struct {
	FromTopo  uint64 `json:"from_topo"`
	MaxBlocks uint32 `json:"max_blocks"`
}

// SyncResponse contains blocks returned by a peer in topo order.
type SyncResponse struct {
	Blocks []*block.Block `json:"blocks"`
}

// FetchRequest asks a peer for specific blocks by hash.
type FetchRequest struct {
	Hashes []types.Hash `json:"hashes"`
}

// Syncer handles chain synchronization with peers.
type Syncer struct {
	node *Node
	host host.Host
}

// NewSyncer creates a new chain syncer attached to the given node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{
		node: node,
		host: node.host,
	}
}

// RegisterHandler registers the sync stream handler on the host. The
// provider returns canonical-order blocks for a topo height range.
func (s *Syncer) RegisterHandler(provider func(fromTopo uint64, max uint32) []*block.Block) {
	s.host.SetStreamHandler(SyncProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req SyncRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&req); err != nil {
			return
		}

		if req.MaxBlocks == 0 || req.MaxBlocks > maxSyncBlocks {
			req.MaxBlocks = maxSyncBlocks
		}

		blocks := provider(req.FromTopo, req.MaxBlocks)
		resp := SyncResponse{Blocks: blocks}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RegisterFetchHandler registers the fetch-by-hash stream handler. The
// provider returns the block for a hash, or nil when unknown.
func (s *Syncer) RegisterFetchHandler(provider func(types.Hash) *block.Block) {
	s.host.SetStreamHandler(FetchProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req FetchRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&req); err != nil {
			return
		}
		if len(req.Hashes) > maxFetchHashes {
			req.Hashes = req.Hashes[:maxFetchHashes]
		}

		var resp SyncResponse
		for _, hash := range req.Hashes {
			if blk := provider(hash); blk != nil {
				resp.Blocks = append(resp.Blocks, blk)
			}
		}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestBlocks asks a specific peer for canonical-order blocks
// starting at fromTopo.
func (s *Syncer) RequestBlocks(ctx context.Context, peerID peer.ID, fromTopo uint64, maxBlocks uint32) ([]*block.Block, error) {
	stream, err := s.host.NewStream(ctx, peerID, SyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()

	req := SyncRequest{FromTopo: fromTopo, MaxBlocks: maxBlocks}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send sync request: %w", err)
	}

	// Signal we're done writing.
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp SyncResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}
	if maxBlocks > 0 && len(resp.Blocks) > int(maxBlocks) {
		s.node.Reputation.Report(peerID, OffenseBadSyncData,
			fmt.Sprintf("%d blocks returned for a request of %d", len(resp.Blocks), maxBlocks))
		return nil, fmt.Errorf("oversized sync response from %s", shortPeer(peerID))
	}

	return resp.Blocks, nil
}

// FetchBlocks asks a specific peer for blocks by hash. Unknown hashes
// are silently omitted from the response.
func (s *Syncer) FetchBlocks(ctx context.Context, peerID peer.ID, hashes []types.Hash) ([]*block.Block, error) {
	if len(hashes) > maxFetchHashes {
		hashes = hashes[:maxFetchHashes]
	}

	stream, err := s.host.NewStream(ctx, peerID, FetchProtocol)
	if err != nil {
		return nil, fmt.Errorf("open fetch stream: %w", err)
	}
	defer stream.Close()

	req := FetchRequest{Hashes: hashes}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send fetch request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp SyncResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read fetch response: %w", err)
	}

	return resp.Blocks, nil
}
