package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	peerRecordPrefix  = "p2p/peer/"
	peerRecordMaxAge  = 24 * time.Hour
	peerSaveInterval  = 5 * time.Minute
	maxStoredPeers    = 500
	maxRedialAttempts = 64
)

// PeerRecord is a persisted peer: its addresses plus the chain view it
// last advertised. Records are ranked by topo height so reconnects
// after a restart dial the best-synced peers first.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`

	Height       uint64 `json:"height,omitempty"`
	TopoHeight   uint64 `json:"topoheight,omitempty"`
	StableHeight uint64 `json:"stableheight,omitempty"`
}

// PeerStore persists peer records under the "p2p/peer/" prefix.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore creates a peer store backed by the given DB.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: db}
}

func peerRecordKey(id string) []byte {
	return []byte(peerRecordPrefix + id)
}

// Put persists a record. At capacity, a new peer displaces the stored
// record with the lowest topo height instead of being dropped, so the
// store converges on the best-synced peers it has seen. A candidate
// weaker than everything stored is silently refused.
func (ps *PeerStore) Put(rec PeerRecord) error {
	key := peerRecordKey(rec.ID)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("peer record lookup: %w", err)
	}
	if !exists {
		admitted, err := ps.makeRoom(rec.TopoHeight)
		if err != nil {
			return err
		}
		if !admitted {
			return nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// makeRoom evicts the weakest stored record when the store is full.
// Reports whether the candidate may be stored.
func (ps *PeerStore) makeRoom(candidateTopo uint64) (bool, error) {
	records, err := ps.All()
	if err != nil {
		return false, err
	}
	if len(records) < maxStoredPeers {
		return true, nil
	}
	// All() sorts best-first; the tail is the eviction candidate.
	weakest := records[len(records)-1]
	if weakest.TopoHeight > candidateTopo {
		return false, nil
	}
	return true, ps.db.Delete(peerRecordKey(weakest.ID))
}

// Get retrieves a record by peer ID.
func (ps *PeerStore) Get(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get(peerRecordKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// All returns every stored record, best first: highest topo height,
// then most recently seen.
func (ps *PeerStore) All() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach([]byte(peerRecordPrefix), func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // skip corrupt records
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].TopoHeight != records[j].TopoHeight {
			return records[i].TopoHeight > records[j].TopoHeight
		}
		return records[i].LastSeen > records[j].LastSeen
	})
	return records, nil
}

// Delete removes a record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.db.Delete(peerRecordKey(id.String()))
}

// DropStale removes records not seen within maxAge, and corrupt ones.
// Returns the number removed.
func (ps *PeerStore) DropStale(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var doomed [][]byte

	err := ps.db.ForEach([]byte(peerRecordPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.LastSeen < cutoff {
			keyCopy := make([]byte, len(key))
			copy(keyCopy, key)
			doomed = append(doomed, keyCopy)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate peer records: %w", err)
	}

	for _, k := range doomed {
		if err := ps.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete stale peer record: %w", err)
		}
	}
	return len(doomed), nil
}

// Count returns the number of stored records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach([]byte(peerRecordPrefix), func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peer records: %w", err)
	}
	return count, nil
}
