// Package events provides a subscriber registry for chain events.
//
// Components register interest in event types and receive them on a
// buffered channel. Publishing never blocks consensus: subscribers that
// fall behind have events dropped.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessera-net/tessera-chain/internal/log"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Type identifies an event category.
type Type string

// The string values are the names WebSocket subscribers see and filter
// on; they are part of the external API.
const (
	// TypeBlockAdded fires when a block is accepted into the DAG.
	TypeBlockAdded Type = "NewBlock"

	// TypeBlockOrdered fires when a block receives or changes its
	// topological position.
	TypeBlockOrdered Type = "BlockOrdered"

	// TypeBlockOrphaned fires when a reorganization removes a block
	// from the ordered set.
	TypeBlockOrphaned Type = "BlockOrphaned"

	// TypeBlockFinalized fires exactly once per block, when it crosses
	// the stability boundary and its ledger effects are applied.
	TypeBlockFinalized Type = "BlockFinalized"

	// TypeTxAdded fires when a transaction enters the mempool.
	TypeTxAdded Type = "TransactionAddedInMempool"
)

// Event is a chain event delivered to subscribers.
type Event struct {
	Type       Type       `json:"type"`
	Hash       types.Hash `json:"hash"`
	Height     uint64     `json:"height,omitempty"`
	TopoHeight uint64     `json:"topoheight,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Subscription is a registered event consumer.
type Subscription struct {
	id    uint64
	types map[Type]bool
	ch    chan Event
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Bus fans chain events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	logger zerolog.Logger
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: log.WithComponent("events"),
	}
}

// Subscribe registers a consumer for the given event types.
// With no types given, the subscription receives every event.
func (b *Bus) Subscribe(eventTypes ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, subscriberBuffer),
	}
	if len(eventTypes) > 0 {
		sub.types = make(map[Type]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().
				Str("event", string(ev.Type)).
				Str("hash", ev.Hash.Short()).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close removes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
