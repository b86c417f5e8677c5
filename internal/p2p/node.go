// Package p2p implements the peer-to-peer layer on libp2p: gossip for
// blocks and transactions, stream protocols for handshake, status and
// sync, peer reputation with persistent bans, and topo-ranked peer
// records for reconnecting after a restart.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/tessera-net/tessera-chain/config"
	klog "github.com/tessera-net/tessera-chain/internal/log"
	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

const (
	// defaultRendezvous namespaces discovery when no NetworkID is set.
	defaultRendezvous = "tessera-chain"

	// dhtFindInterval is how often DHT FindPeers runs.
	dhtFindInterval = 30 * time.Second

	// dialTimeout bounds a single connection attempt.
	dialTimeout = 5 * time.Second

	// seedRetryInterval is how often seeds are retried while the node
	// has no peers.
	seedRetryInterval = 10 * time.Second
)

// Config holds p2p node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // peer and ban persistence (nil = disabled)
	DHTServer  bool       // run the DHT in server mode (for seeds)
	NetworkID  string     // isolates discovery and handshakes per network
	DataDir    string     // where the node identity key lives
}

// ChainStatus is the local chain view advertised to peers during
// handshakes and status queries.
type ChainStatus struct {
	Height       uint64       `json:"height"`
	TopoHeight   uint64       `json:"topoheight"`
	StableHeight uint64       `json:"stableheight"`
	Tips         []types.Hash `json:"tips"`
}

// Node is the p2p endpoint: a libp2p host plus gossip topics, the
// connected peer set and the reputation tracker.
type Node struct {
	config Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	topicTx    *pubsub.Topic
	topicBlock *pubsub.Topic
	subTx      *pubsub.Subscription
	subBlock   *pubsub.Subscription

	txHandler    func(peer.ID, []byte)
	blockHandler func(peer.ID, []byte)

	peers      *PeerSet
	peerStore  *PeerStore // nil without Config.DB
	Reputation *Reputation

	onPeerConnected func()

	genesisHash      types.Hash
	handshakeEnabled bool
	statusFn         func() ChainStatus
}

// New creates a p2p node. Start brings the network up.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:     cfg,
		log:        klog.WithComponent("p2p"),
		ctx:        ctx,
		cancel:     cancel,
		peers:      NewPeerSet(),
		Reputation: NewReputation(cfg.DB),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// rendezvous is the DHT/mDNS discovery namespace.
func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "tessera/" + n.config.NetworkID
	}
	return defaultRendezvous
}

// Start creates the libp2p host, joins the gossip topics and begins
// discovery and peer maintenance.
func (n *Node) Start() error {
	n.Reputation.Load()
	n.Reputation.SetDisconnect(func(id peer.ID) { n.DisconnectPeer(id) })

	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(n.Reputation),
	}
	if n.config.DataDir != "" {
		key, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h
	h.Network().Notify((*connWatcher)(n))

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(config.MaxBlockSize+64*1024),
	)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}

	go n.readLoop(n.subTx, n.handleTxMessage)
	go n.readLoop(n.subBlock, n.handleBlockMessage)
	go n.redialStoredPeers()

	if len(n.config.Seeds) > 0 {
		n.log.Info().Int("seeds", len(n.config.Seeds)).Msg("connecting to seeds")
	}
	n.connectSeedsOnce()
	go n.retrySeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.peerStore != nil {
		go n.runPeerSaveLoop()
	}
	go n.Reputation.RunPruneLoop(n.ctx.Done())

	return nil
}

// Stop persists peer records and shuts the host down.
func (n *Node) Stop() error {
	n.savePeers()
	n.cancel()
	if n.subTx != nil {
		n.subTx.Cancel()
	}
	if n.subBlock != nil {
		n.subBlock.Cancel()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// Peers returns the connected peer set.
func (n *Node) Peers() *PeerSet {
	return n.peers
}

// SetPeerConnectedHandler registers a callback run when a peer connects.
func (n *Node) SetPeerConnectedHandler(fn func()) {
	n.onPeerConnected = fn
}

// SetGenesisHash sets the genesis hash for handshake validation. A
// non-zero hash enables the handshake protocol.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (types.Hash{})
}

// SetStatusFn sets the function reporting the local chain view for
// handshakes and status queries.
func (n *Node) SetStatusFn(fn func() ChainStatus) {
	n.statusFn = fn
}

// SetTxHandler registers the callback for gossiped transactions.
func (n *Node) SetTxHandler(fn func(from peer.ID, data []byte)) {
	n.txHandler = fn
}

// SetBlockHandler registers the callback for gossiped blocks.
func (n *Node) SetBlockHandler(fn func(from peer.ID, data []byte)) {
	n.blockHandler = fn
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.peers.Drop(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns this node's peer ID.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns this node's full multiaddrs.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return n.peers.Count()
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	return n.peers.Snapshot()
}

// ── Connection tracking ────────────────────────────────────────────────

// connWatcher receives network lifecycle events for the node.
type connWatcher Node

// Connected tracks the new peer and, for outbound connections, starts
// the handshake. Inbound handshakes arrive via the stream handler.
func (w *connWatcher) Connected(_ network.Network, conn network.Conn) {
	n := (*Node)(w)
	id := conn.RemotePeer()
	if id == n.host.ID() {
		return
	}
	n.peers.Track(id, "")
	if fn := n.onPeerConnected; fn != nil {
		go fn()
	}
	if n.handshakeEnabled && conn.Stat().Direction == network.DirOutbound {
		go n.doHandshake(id)
	}
}

// Disconnected drops the peer once its last connection closes.
func (w *connWatcher) Disconnected(net network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if len(net.ConnsToPeer(id)) == 0 {
		(*Node)(w).peers.Drop(id)
	}
}

func (w *connWatcher) Listen(network.Network, multiaddr.Multiaddr)      {}
func (w *connWatcher) ListenClose(network.Network, multiaddr.Multiaddr) {}

// ── Seeds ──────────────────────────────────────────────────────────────

// connectSeedsOnce dials every configured seed once, blocking.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			n.log.Warn().Str("addr", addr).Err(err).Msg("bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 2*dialTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			n.log.Warn().Str("peer", shortPeer(info.ID)).Err(err).Msg("seed connect failed")
			continue
		}
		n.peers.Track(info.ID, "seed")
		n.log.Info().Str("peer", shortPeer(info.ID)).Msg("seed connected")
		connected = true
	}
	return connected
}

// retrySeedsLoop redials seeds whenever the node ends up peerless.
func (n *Node) retrySeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.peers.Count() == 0 {
				n.log.Info().Int("seeds", len(n.config.Seeds)).Msg("no peers, retrying seeds")
				n.connectSeedsOnce()
			}
		}
	}
}

// ── Discovery ──────────────────────────────────────────────────────────

// mdnsWatcher connects to peers found on the local network.
type mdnsWatcher Node

func (w *mdnsWatcher) HandlePeerFound(pi peer.AddrInfo) {
	n := (*Node)(w)
	if pi.ID == n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err == nil {
		n.peers.Track(pi.ID, "mdns")
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), (*mdnsWatcher)(n))
	// mDNS failure is non-fatal.
	_ = svc.Start()
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtFindInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Node) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for pi := range peerCh {
		if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		if n.config.MaxPeers > 0 && n.peers.Count() >= n.config.MaxPeers {
			return
		}
		dialCtx, dialCancel := context.WithTimeout(n.ctx, dialTimeout)
		if err := n.host.Connect(dialCtx, pi); err == nil {
			n.peers.Track(pi.ID, "dht")
		}
		dialCancel()
	}
}

// ── Peer persistence ───────────────────────────────────────────────────

// savePeers writes the connected peers with their advertised chain
// views, so the next start can redial the best-synced ones first.
func (n *Node) savePeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.peers.Snapshot() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		addrStrs := make([]string, len(addrs))
		for i, a := range addrs {
			addrStrs[i] = a.String()
		}
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    addrStrs,
			LastSeen: now,
			Source:   p.Source,
		}
		if !p.StatusAt.IsZero() {
			rec.Height = p.Status.Height
			rec.TopoHeight = p.Status.TopoHeight
			rec.StableHeight = p.Status.StableHeight
		}
		n.peerStore.Put(rec) // best effort
	}
}

// redialStoredPeers reconnects to persisted peers, highest advertised
// topo height first, up to the redial cap.
func (n *Node) redialStoredPeers() {
	if n.peerStore == nil {
		return
	}
	n.peerStore.DropStale(peerRecordMaxAge)

	records, err := n.peerStore.All()
	if err != nil {
		return
	}
	if len(records) > maxRedialAttempts {
		records = records[:maxRedialAttempts]
	}
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			ai, err := peer.AddrInfoFromString(fmt.Sprintf("%s/p2p/%s", addr, rec.ID))
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
		if len(info.Addrs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.peers.Track(id, "stored")
		}
		cancel()
	}
}

func (n *Node) runPeerSaveLoop() {
	ticker := time.NewTicker(peerSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.savePeers()
			n.peerStore.DropStale(peerRecordMaxAge)
		}
	}
}

// loadOrCreateIdentity loads the persisted libp2p identity key, or
// generates one, so the peer ID survives restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
