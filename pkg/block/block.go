// Package block defines block types and validation.
package block

import (
	"github.com/tessera-net/tessera-chain/pkg/tx"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Block represents a block in the DAG.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// Size returns the serialized block size used by the consensus size limit:
// header signing bytes plus all transaction signing bytes.
func (b *Block) Size() int {
	if b.Header == nil {
		return 0
	}
	size := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		size += len(t.SigningBytes())
	}
	return size
}

// TxHashes returns the hashes of all transactions in block order.
func (b *Block) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}
