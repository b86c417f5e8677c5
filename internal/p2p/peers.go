package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer is a connected peer together with the chain view it last
// advertised, via handshake or a status poll.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "dht", "mdns", "seed", "gossip", "stored"

	Status   ChainStatus
	StatusAt time.Time // zero until the peer reports a view
}

// PeerSet tracks connected peers and their advertised chain views. It
// is the basis for choosing sync sources: peers that claim a higher
// topo height are asked first.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[peer.ID]*Peer
}

// NewPeerSet creates an empty peer set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[peer.ID]*Peer)}
}

// Track records a peer connection. Tracking an already known peer only
// fills in a missing source.
func (ps *PeerSet) Track(id peer.ID, source string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing, ok := ps.peers[id]; ok {
		if existing.Source == "" {
			existing.Source = source
		}
		return
	}
	ps.peers[id] = &Peer{
		ID:          id,
		ConnectedAt: time.Now(),
		Source:      source,
	}
}

// Drop removes a peer.
func (ps *PeerSet) Drop(id peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, id)
}

// SetStatus records the chain view a peer advertised.
func (ps *PeerSet) SetStatus(id peer.ID, status ChainStatus) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.peers[id]
	if !ok {
		return
	}
	p.Status = status
	p.StatusAt = time.Now()
}

// Get returns a copy of a peer's entry.
func (ps *PeerSet) Get(id peer.ID) (Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Count returns the number of tracked peers.
func (ps *PeerSet) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Snapshot returns a copy of every tracked peer.
func (ps *PeerSet) Snapshot() []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, *p)
	}
	return out
}

// BestSynced returns up to n peer IDs ordered by advertised topo
// height, highest first. Peers that never reported a view sort last,
// by longest-connected first, so fresh nodes still find a sync source.
func (ps *PeerSet) BestSynced(n int) []peer.ID {
	peers := ps.Snapshot()
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		aKnown, bKnown := !a.StatusAt.IsZero(), !b.StatusAt.IsZero()
		if aKnown != bKnown {
			return aKnown
		}
		if aKnown && a.Status.TopoHeight != b.Status.TopoHeight {
			return a.Status.TopoHeight > b.Status.TopoHeight
		}
		return a.ConnectedAt.Before(b.ConnectedAt)
	})
	if n > len(peers) {
		n = len(peers)
	}
	ids := make([]peer.ID, n)
	for i := 0; i < n; i++ {
		ids[i] = peers[i].ID
	}
	return ids
}
