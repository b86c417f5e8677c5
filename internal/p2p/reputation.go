package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	klog "github.com/tessera-net/tessera-chain/internal/log"
	"github.com/tessera-net/tessera-chain/internal/storage"
)

// Offense classifies peer misbehavior.
type Offense int

const (
	// OffenseInvalidBlock: a gossiped block failed validation.
	OffenseInvalidBlock Offense = iota + 1

	// OffenseInvalidTx: a gossiped transaction failed validation.
	OffenseInvalidTx

	// OffenseBadHandshake: wrong genesis or protocol version. Bans
	// immediately; the peer is on a different chain.
	OffenseBadHandshake

	// OffenseBadSyncData: a sync response did not match the request,
	// out-of-order blocks or blocks below the requested topo height.
	OffenseBadSyncData
)

func (o Offense) String() string {
	switch o {
	case OffenseInvalidBlock:
		return "invalid_block"
	case OffenseInvalidTx:
		return "invalid_tx"
	case OffenseBadHandshake:
		return "bad_handshake"
	case OffenseBadSyncData:
		return "bad_sync_data"
	default:
		return "unknown"
	}
}

// weight is the score an offense adds. Scores decay over time; only
// sustained misbehavior reaches the ban threshold.
func (o Offense) weight() int {
	switch o {
	case OffenseInvalidBlock:
		return 50
	case OffenseInvalidTx:
		return 20
	case OffenseBadHandshake:
		return banScoreThreshold
	case OffenseBadSyncData:
		return 40
	default:
		return 10
	}
}

const (
	// banScoreThreshold is the decayed score at which a peer is banned.
	banScoreThreshold = 100

	// scoreHalfLife halves a peer's accumulated score. A peer that
	// stops misbehaving earns its way back.
	scoreHalfLife = 10 * time.Minute

	// baseBanDuration is the first ban's length. Each repeat ban
	// doubles it, capped at maxBanDuration.
	baseBanDuration = time.Hour
	maxBanDuration  = 24 * time.Hour

	banRecordPrefix = "p2p/ban/"
)

// BanRecord is a persisted ban.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	Strikes   int    `json:"strikes"` // how many times this peer has been banned
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpired reports whether a non-permanent ban has lapsed.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// tally is the live score of a not-yet-banned peer.
type tally struct {
	score   int
	updated time.Time
	strikes int
}

// decayed returns the score after exponential decay since the last
// offense.
func (t *tally) decayed(now time.Time) int {
	score := t.score
	for elapsed := now.Sub(t.updated); elapsed >= scoreHalfLife && score > 0; elapsed -= scoreHalfLife {
		score /= 2
	}
	return score
}

// Reputation scores peer behavior and bans repeat offenders. It also
// implements the libp2p ConnectionGater so banned peers are refused at
// the transport before any protocol runs.
type Reputation struct {
	mu      sync.RWMutex
	tallies map[peer.ID]*tally
	bans    map[peer.ID]*BanRecord

	db         storage.DB // nil disables persistence
	disconnect func(peer.ID)
}

// NewReputation creates a reputation tracker. A nil db keeps bans in
// memory only.
func NewReputation(db storage.DB) *Reputation {
	return &Reputation{
		tallies: make(map[peer.ID]*tally),
		bans:    make(map[peer.ID]*BanRecord),
		db:      db,
	}
}

// SetDisconnect registers the callback used to drop a peer's
// connections when it crosses the ban threshold.
func (r *Reputation) SetDisconnect(fn func(peer.ID)) {
	r.disconnect = fn
}

// Load restores persisted bans. Expired records are dropped, but their
// strike counts are kept so repeat offenders ban for longer.
func (r *Reputation) Load() {
	if r.db == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	r.db.ForEach([]byte(banRecordPrefix), func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		id, err := peer.Decode(rec.ID)
		if err != nil {
			return nil
		}
		if rec.IsExpired() {
			r.tallies[id] = &tally{strikes: rec.Strikes, updated: time.Now()}
			expired = append(expired, rec.ID)
			return nil
		}
		r.bans[id] = &rec
		return nil
	})
	for _, id := range expired {
		r.db.Delete([]byte(banRecordPrefix + id))
	}
}

// Report scores an offense against a peer. When the decayed score
// crosses the threshold the peer is banned, persisted and
// disconnected. Repeat bans last twice as long each time.
func (r *Reputation) Report(id peer.ID, offense Offense, detail string) {
	r.mu.Lock()

	if rec, ok := r.bans[id]; ok && !rec.IsExpired() {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	t, ok := r.tallies[id]
	if !ok {
		t = &tally{updated: now}
		r.tallies[id] = t
	}
	t.score = t.decayed(now) + offense.weight()
	t.updated = now

	if t.score < banScoreThreshold {
		r.mu.Unlock()
		return
	}

	duration := maxBanDuration
	if t.strikes < 5 {
		duration = baseBanDuration << t.strikes
		if duration > maxBanDuration {
			duration = maxBanDuration
		}
	}
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    fmt.Sprintf("%s: %s", offense, detail),
		Score:     t.score,
		Strikes:   t.strikes + 1,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}
	r.bans[id] = rec
	delete(r.tallies, id)
	r.persist(rec)
	r.mu.Unlock()

	logger := klog.WithComponent("reputation")
	logger.Warn().
		Str("peer", shortPeer(id)).
		Str("offense", offense.String()).
		Str("detail", detail).
		Int("strikes", rec.Strikes).
		Dur("duration", duration).
		Msg("peer banned")

	if r.disconnect != nil {
		go r.disconnect(id)
	}
}

// Score returns a peer's current decayed score.
func (r *Reputation) Score(id peer.ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tallies[id]
	if !ok {
		return 0
	}
	return t.decayed(time.Now())
}

// IsBanned reports whether a peer is currently banned. Expired bans
// are cleaned up on the way out, keeping the strike count.
func (r *Reputation) IsBanned(id peer.ID) bool {
	r.mu.RLock()
	rec, ok := r.bans[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.IsExpired() {
		return true
	}

	r.mu.Lock()
	delete(r.bans, id)
	r.tallies[id] = &tally{strikes: rec.Strikes, updated: time.Now()}
	r.mu.Unlock()
	if r.db != nil {
		r.db.Delete([]byte(banRecordPrefix + rec.ID))
	}
	return false
}

// Unban lifts a ban and clears the peer's score and strikes.
func (r *Reputation) Unban(id peer.ID) {
	r.mu.Lock()
	delete(r.bans, id)
	delete(r.tallies, id)
	r.mu.Unlock()
	if r.db != nil {
		r.db.Delete([]byte(banRecordPrefix + id.String()))
	}
}

// BanList returns a snapshot of active bans.
func (r *Reputation) BanList() []BanRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []BanRecord
	for _, rec := range r.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop expires old bans in the background until done closes.
func (r *Reputation) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.pruneExpired()
		}
	}
}

func (r *Reputation) pruneExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.bans {
		if rec.IsExpired() {
			delete(r.bans, id)
			r.tallies[id] = &tally{strikes: rec.Strikes, updated: time.Now()}
			if r.db != nil {
				r.db.Delete([]byte(banRecordPrefix + rec.ID))
			}
		}
	}
}

func (r *Reputation) persist(rec *BanRecord) {
	if r.db == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.db.Put([]byte(banRecordPrefix+rec.ID), data)
}

// ── ConnectionGater ────────────────────────────────────────────────────

// InterceptPeerDial refuses outbound dials to banned peers.
func (r *Reputation) InterceptPeerDial(id peer.ID) bool {
	return !r.IsBanned(id)
}

// InterceptAddrDial allows all address dials; gating is per peer.
func (r *Reputation) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows raw inbound connections; the peer identity is
// unknown until the security handshake.
func (r *Reputation) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured refuses authenticated connections from banned peers.
func (r *Reputation) InterceptSecured(_ network.Direction, id peer.ID, _ network.ConnMultiaddrs) bool {
	return !r.IsBanned(id)
}

// InterceptUpgraded allows all fully upgraded connections.
func (r *Reputation) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

func shortPeer(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
