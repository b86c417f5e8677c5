package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// StatusProtocol is the protocol ID for querying a peer's chain view.
	StatusProtocol = protocol.ID("/tessera/status/1.0.0")

	// statusReadTimeout is the max time to read a status response.
	statusReadTimeout = 5 * time.Second

	// maxStatusBytes limits status response size.
	maxStatusBytes = 4096
)

// RegisterStatusHandler registers a stream handler that responds with
// the local chain view: height, topo height, stable height and tips.
func (s *Syncer) RegisterStatusHandler(statusFn func() ChainStatus) {
	s.host.SetStreamHandler(StatusProtocol, func(stream network.Stream) {
		defer stream.Close()

		status := statusFn()
		json.NewEncoder(stream).Encode(&status)
	})
}

// RequestStatus queries a peer for its chain view and records it in
// the peer set, so sync source selection sees fresh topo heights.
func (s *Syncer) RequestStatus(ctx context.Context, peerID peer.ID) (*ChainStatus, error) {
	stream, err := s.host.NewStream(ctx, peerID, StatusProtocol)
	if err != nil {
		return nil, fmt.Errorf("open status stream: %w", err)
	}
	defer stream.Close()

	// Request is empty, just opening the stream.
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(statusReadTimeout))

	var status ChainStatus
	if err := json.NewDecoder(io.LimitReader(stream, maxStatusBytes)).Decode(&status); err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if status.StableHeight > status.TopoHeight {
		s.node.Reputation.Report(peerID, OffenseBadSyncData,
			fmt.Sprintf("status claims stable %d above topo %d", status.StableHeight, status.TopoHeight))
		return nil, fmt.Errorf("inconsistent status from %s", shortPeer(peerID))
	}
	s.node.peers.SetStatus(peerID, status)

	return &status, nil
}
