package p2p

import (
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/tx"
)

// joinTopics joins the block and transaction gossip topics and opens
// their subscriptions.
func (n *Node) joinTopics() error {
	var err error
	n.topicTx, err = n.pubsub.Join(TopicTransactions)
	if err != nil {
		return fmt.Errorf("join tx topic: %w", err)
	}
	n.topicBlock, err = n.pubsub.Join(TopicBlocks)
	if err != nil {
		return fmt.Errorf("join block topic: %w", err)
	}
	n.subTx, err = n.topicTx.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe tx: %w", err)
	}
	n.subBlock, err = n.topicBlock.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe block: %w", err)
	}
	return nil
}

// readLoop pumps one subscription until the node context ends. Own
// messages are skipped.
func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		handler(msg)
	}
}

func (n *Node) handleTxMessage(msg *pubsub.Message) {
	defer func() { recover() }()
	n.peers.Track(msg.ReceivedFrom, "gossip")
	if n.txHandler != nil {
		n.txHandler(msg.ReceivedFrom, msg.Data)
	}
}

func (n *Node) handleBlockMessage(msg *pubsub.Message) {
	defer func() { recover() }()
	n.peers.Track(msg.ReceivedFrom, "gossip")
	if n.blockHandler != nil {
		n.blockHandler(msg.ReceivedFrom, msg.Data)
	}
}

// BroadcastTx publishes a transaction to the gossip network.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}
	return n.topicTx.Publish(n.ctx, data)
}

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	return n.topicBlock.Publish(n.ctx, data)
}
