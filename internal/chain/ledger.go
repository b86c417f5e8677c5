package chain

import (
	"github.com/tessera-net/tessera-chain/internal/storage"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// ledgerView is a write-through cache over the balance and nonce trees
// used while finalizing a run of blocks. Reads see earlier writes from
// the same run before anything hits the store.
type ledgerView struct {
	store    *ChainStore
	balances map[types.PublicKey]uint64
	nonces   map[types.PublicKey]uint64
}

func newLedgerView(store *ChainStore) *ledgerView {
	return &ledgerView{
		store:    store,
		balances: make(map[types.PublicKey]uint64),
		nonces:   make(map[types.PublicKey]uint64),
	}
}

func (lv *ledgerView) balance(key types.PublicKey) uint64 {
	if b, ok := lv.balances[key]; ok {
		return b
	}
	b := lv.store.Balance(key)
	lv.balances[key] = b
	return b
}

func (lv *ledgerView) nonce(key types.PublicKey) uint64 {
	if n, ok := lv.nonces[key]; ok {
		return n
	}
	n := lv.store.Nonce(key)
	lv.nonces[key] = n
	return n
}

func (lv *ledgerView) credit(key types.PublicKey, amount uint64) {
	lv.balances[key] = lv.balance(key) + amount
}

func (lv *ledgerView) debit(key types.PublicKey, amount uint64) {
	lv.balances[key] = lv.balance(key) - amount
}

func (lv *ledgerView) bumpNonce(key types.PublicKey) {
	lv.nonces[key] = lv.nonce(key) + 1
}

// flush writes every touched balance and nonce into the batch.
func (lv *ledgerView) flush(batch storage.Batch) error {
	for key, balance := range lv.balances {
		if err := lv.store.SetBalance(batch, key, balance); err != nil {
			return err
		}
	}
	for key, nonce := range lv.nonces {
		if err := lv.store.SetNonce(batch, key, nonce); err != nil {
			return err
		}
	}
	return nil
}
