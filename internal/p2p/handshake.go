package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/tessera-net/tessera-chain/pkg/types"
)

const (
	// handshakeTimeout bounds the complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify they share a
// chain, and doubles as the peer's first status report.
type HandshakeMessage struct {
	ProtocolVersion uint32      `json:"protocol_version"`
	GenesisHash     types.Hash  `json:"genesis_hash"`
	NetworkID       string      `json:"network_id"`
	Status          ChainStatus `json:"status"`
}

// registerHandshakeHandler answers incoming handshakes.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remote := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			n.log.Debug().Err(err).Str("peer", shortPeer(remote)).Msg("handshake read failed")
			return
		}

		ourMsg := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			n.log.Debug().Err(err).Str("peer", shortPeer(remote)).Msg("handshake write failed")
			return
		}

		n.finishHandshake(remote, peerMsg)
	})
}

// doHandshake runs the dialer side of the handshake.
func (n *Node) doHandshake(id peer.ID) {
	stream, err := n.host.NewStream(n.ctx, id, HandshakeProtocol)
	if err != nil {
		// Peer doesn't speak the handshake protocol; tolerate.
		n.log.Debug().Str("peer", shortPeer(id)).Msg("peer without handshake protocol")
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
		n.log.Debug().Err(err).Str("peer", shortPeer(id)).Msg("handshake send failed")
		return
	}
	stream.CloseWrite()

	var peerMsg HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
		n.log.Debug().Err(err).Str("peer", shortPeer(id)).Msg("handshake response read failed")
		return
	}

	n.finishHandshake(id, peerMsg)
}

// finishHandshake validates the peer's message: an incompatible peer is
// reported and dropped, a compatible one has its chain view recorded.
func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		n.log.Warn().
			Str("peer", shortPeer(id)).
			Str("reason", reason).
			Msg("handshake rejected")
		n.Reputation.Report(id, OffenseBadHandshake, reason)
		n.DisconnectPeer(id)
		return
	}
	n.peers.SetStatus(id, msg.Status)
}

// validateHandshake returns an empty string when the peer is
// compatible, or the rejection reason.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s",
			msg.GenesisHash.Short(), n.genesisHash.Short())
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	// A stable height above the topo height is impossible on any
	// honest chain.
	if msg.Status.StableHeight > msg.Status.TopoHeight {
		return fmt.Sprintf("inconsistent status: stable %d above topo %d",
			msg.Status.StableHeight, msg.Status.TopoHeight)
	}
	return ""
}

// buildHandshakeMessage assembles our handshake from node state.
func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
		NetworkID:       n.config.NetworkID,
	}
	if n.statusFn != nil {
		msg.Status = n.statusFn()
	}
	return msg
}
