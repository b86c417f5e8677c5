package tx

import (
	"fmt"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: config.TxVersion},
	}
}

// SetNonce sets the owner account nonce the transaction spends at.
func (b *Builder) SetNonce(nonce uint64) *Builder {
	b.tx.Nonce = nonce
	return b
}

// SetFee sets the transaction fee.
func (b *Builder) SetFee(fee uint64) *Builder {
	b.tx.Fee = fee
	return b
}

// AddTransfer adds a transfer to a recipient.
func (b *Builder) AddTransfer(to types.PublicKey, amount uint64) *Builder {
	b.tx.Transfers = append(b.tx.Transfers, Transfer{To: to, Amount: amount})
	return b
}

// Sign sets the owner from the key and signs the transaction.
// Call after all transfers, nonce and fee are set: signing fixes the hash.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	b.tx.Owner = key.PublicKey()
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	b.tx.Signature = sig
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate. Call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
