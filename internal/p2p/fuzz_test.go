package p2p

import (
	"encoding/json"
	"testing"

	"github.com/tessera-net/tessera-chain/pkg/block"
	"github.com/tessera-net/tessera-chain/pkg/tx"
)

// FuzzHandshakeUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled into a HandshakeMessage.
func FuzzHandshakeUnmarshal(f *testing.F) {
	f.Add([]byte(`{"protocol_version":1,"genesis_hash":"00","network_id":"tessera-testnet-1","status":{"height":100,"topoheight":102,"stableheight":92,"tips":[]}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"genesis_hash":null,"status":{"stableheight":9}}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var msg HandshakeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
		n.genesisHash = msg.GenesisHash
		_ = n.validateHandshake(msg)
	})
}

// FuzzBlockMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossip block message.
func FuzzBlockMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"header":{"version":0,"timestamp":1000,"height":0,"tips":[]},"transactions":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"header":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil {
			return
		}
		blk.Validate()
		blk.Hash()
	})
}

// FuzzTxMessageUnmarshal tests that arbitrary JSON does not panic
// when unmarshaled as a gossip transaction message.
func FuzzTxMessageUnmarshal(f *testing.F) {
	f.Add([]byte(`{"version":1,"owner":"02aa","nonce":0,"fee":1000,"transfers":[{"to":"02bb","amount":5000}]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var t2 tx.Transaction
		if err := json.Unmarshal(data, &t2); err != nil {
			return
		}
		t2.Hash()
		t2.Validate()
	})
}
