// Package tx defines account-model transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Transfer moves an amount from the transaction owner to a recipient.
type Transfer struct {
	To     types.PublicKey `json:"to"`
	Amount uint64          `json:"amount"`
}

// Transaction spends from the owner's account balance. The nonce must
// match the owner's current account nonce at execution time; it enforces
// one use per transaction and strict ordering per owner.
type Transaction struct {
	Version   uint32          `json:"version"`
	Owner     types.PublicKey `json:"owner"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Transfers []Transfer      `json:"transfers"`
	Signature []byte          `json:"signature"`
}

// txJSON is the JSON representation with a hex-encoded signature.
type txJSON struct {
	Version   uint32          `json:"version"`
	Owner     types.PublicKey `json:"owner"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Transfers []Transfer      `json:"transfers"`
	Signature *string         `json:"signature"`
}

// MarshalJSON encodes the transaction with a hex-encoded signature.
func (tx Transaction) MarshalJSON() ([]byte, error) {
	j := txJSON{
		Version:   tx.Version,
		Owner:     tx.Owner,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		Transfers: tx.Transfers,
	}
	if tx.Signature != nil {
		s := hex.EncodeToString(tx.Signature)
		j.Signature = &s
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction with a hex-encoded signature.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	tx.Version = j.Version
	tx.Owner = j.Owner
	tx.Nonce = j.Nonce
	tx.Fee = j.Fee
	tx.Transfers = j.Transfers
	tx.Signature = nil
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		tx.Signature = b
	}
	return nil
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing data).
// This excludes the signature to avoid circular dependency.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | owner(33) | nonce(8) | fee(8) | transfer_count(4) | [to(33) + amount(8)]...
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = append(buf, tx.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Fee)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Transfers)))
	for _, tr := range tx.Transfers {
		buf = append(buf, tr.To[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, tr.Amount)
	}

	return buf
}

// TotalSpend returns the full amount debited from the owner: the sum of
// all transfer amounts plus the fee. Returns an error on uint64 overflow.
func (tx *Transaction) TotalSpend() (uint64, error) {
	total := tx.Fee
	for _, tr := range tx.Transfers {
		if total > math.MaxUint64-tr.Amount {
			return 0, fmt.Errorf("transfer amount overflow")
		}
		total += tr.Amount
	}
	return total, nil
}
