package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/tessera-net/tessera-chain/config"
	"github.com/tessera-net/tessera-chain/pkg/crypto"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Validation errors.
var (
	ErrNoTransfers       = errors.New("transaction has no transfers")
	ErrTooManyTransfers  = errors.New("too many transfers")
	ErrZeroTransfer      = errors.New("transfer amount is zero")
	ErrTransferOverflow  = errors.New("transfer amounts overflow")
	ErrMissingOwner      = errors.New("transaction missing owner")
	ErrMissingRecipient  = errors.New("transfer missing recipient")
	ErrSelfTransfer      = errors.New("transfer to owner")
	ErrDuplicateTransfer = errors.New("duplicate transfer recipient")
	ErrMissingSig        = errors.New("transaction missing signature")
	ErrInvalidSig        = errors.New("invalid signature")
	ErrBadVersion        = errors.New("unsupported transaction version")
)

// Validate checks transaction structure and basic rules.
// This does NOT check balance or nonce (that requires chain state).
func (tx *Transaction) Validate() error {
	if tx.Version != config.TxVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, tx.Version)
	}
	if tx.Owner.IsZero() {
		return ErrMissingOwner
	}
	if len(tx.Transfers) == 0 {
		return ErrNoTransfers
	}
	if len(tx.Transfers) > config.MaxTxTransfers {
		return fmt.Errorf("%w: %d transfers, max %d", ErrTooManyTransfers, len(tx.Transfers), config.MaxTxTransfers)
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSig
	}

	seen := make(map[types.PublicKey]bool, len(tx.Transfers))
	var total uint64
	for i, tr := range tx.Transfers {
		if tr.To.IsZero() {
			return fmt.Errorf("transfer %d: %w", i, ErrMissingRecipient)
		}
		if tr.To == tx.Owner {
			return fmt.Errorf("transfer %d: %w", i, ErrSelfTransfer)
		}
		if seen[tr.To] {
			return fmt.Errorf("transfer %d: %w", i, ErrDuplicateTransfer)
		}
		seen[tr.To] = true
		if tr.Amount == 0 {
			return fmt.Errorf("transfer %d: %w", i, ErrZeroTransfer)
		}
		if total > math.MaxUint64-tr.Amount {
			return fmt.Errorf("transfer %d: %w", i, ErrTransferOverflow)
		}
		total += tr.Amount
	}
	if total > math.MaxUint64-tx.Fee {
		return ErrTransferOverflow
	}

	return nil
}

// VerifySignature checks that the signature is valid for this transaction
// under the owner's public key.
func (tx *Transaction) VerifySignature() error {
	hash := tx.Hash()
	if !crypto.VerifySignature(hash[:], tx.Signature, tx.Owner) {
		return ErrInvalidSig
	}
	return nil
}
