// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tessera-net/tessera-chain/internal/events"
	"github.com/tessera-net/tessera-chain/pkg/tx"
	"github.com/tessera-net/tessera-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrNonceTooLow       = errors.New("transaction nonce already used")
	ErrNonceGap          = errors.New("transaction nonce leaves a gap")
	ErrConflict          = errors.New("nonce occupied by an equal or better transaction")
	ErrInsufficientFunds = errors.New("owner balance cannot cover pending spends")
)

// Ledger exposes the finalized account state the pool validates against.
type Ledger interface {
	Balance(types.PublicKey) uint64
	Nonce(types.PublicKey) uint64
}

// entry wraps a transaction with its precomputed admission data.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	spend   uint64 // transfers + fee
	feeRate float64 // fee per byte of SigningBytes.
}

// Pool holds unconfirmed transactions, indexed by hash and by
// owner/nonce. Per owner the pool only admits a gapless nonce run
// starting at the finalized nonce, fully covered by the finalized
// balance.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry
	byOwner map[types.PublicKey]map[uint64]types.Hash // nonce -> txHash
	maxSize int
	minFee  uint64
	ledger  Ledger
	policy  *Policy
	bus     *events.Bus
}

// New creates a mempool validating against the given ledger.
func New(ledger Ledger, maxSize int, minFee uint64) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		byOwner: make(map[types.PublicKey]map[uint64]types.Hash),
		maxSize: maxSize,
		minFee:  minFee,
		ledger:  ledger,
		policy:  DefaultPolicy(),
	}
}

// SetBus attaches an event bus; admitted transactions are announced on it.
func (p *Pool) SetBus(bus *events.Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus = bus
}

// MinFee returns the minimum fee for acceptance.
func (p *Pool) MinFee() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFee
}

// Add validates and admits a transaction. A transaction for an
// occupied owner/nonce slot replaces the incumbent only when it pays a
// strictly higher fee.
func (p *Pool) Add(transaction *tx.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, exists := p.txs[txHash]; exists {
		return ErrAlreadyExists
	}

	if err := p.policy.Check(transaction); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := transaction.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := transaction.VerifySignature(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if transaction.Fee < p.minFee {
		return fmt.Errorf("%w: got %d, need %d", ErrFeeTooLow, transaction.Fee, p.minFee)
	}

	owner := transaction.Owner
	ledgerNonce := p.ledger.Nonce(owner)
	if transaction.Nonce < ledgerNonce {
		return fmt.Errorf("%w: nonce %d, account at %d", ErrNonceTooLow, transaction.Nonce, ledgerNonce)
	}

	pending := p.byOwner[owner]
	var replaced types.Hash
	replacing := false
	if incumbentHash, occupied := pending[transaction.Nonce]; occupied {
		incumbent := p.txs[incumbentHash]
		if transaction.Fee <= incumbent.tx.Fee {
			return fmt.Errorf("%w: nonce %d held by %s", ErrConflict, transaction.Nonce, incumbentHash)
		}
		replaced = incumbentHash
		replacing = true
	} else {
		// The nonce must extend the pending run without a gap.
		want := ledgerNonce + uint64(len(pending))
		if transaction.Nonce != want {
			return fmt.Errorf("%w: nonce %d, next expected %d", ErrNonceGap, transaction.Nonce, want)
		}
	}

	spend, err := transaction.TotalSpend()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// The finalized balance must cover every pending spend plus this one.
	var pendingSpend uint64
	for nonce, hash := range pending {
		if replacing && nonce == transaction.Nonce {
			continue
		}
		pendingSpend += p.txs[hash].spend
	}
	if p.ledger.Balance(owner) < pendingSpend+spend {
		return fmt.Errorf("%w: balance %d, pending %d, tx %d",
			ErrInsufficientFunds, p.ledger.Balance(owner), pendingSpend, spend)
	}

	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(transaction.Fee) / float64(sigBytes)
	}

	if !replacing && len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}
	if replacing {
		p.removeLocked(replaced)
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		spend:   spend,
		feeRate: feeRate,
	}
	p.txs[txHash] = e
	if p.byOwner[owner] == nil {
		p.byOwner[owner] = make(map[uint64]types.Hash)
	}
	p.byOwner[owner][transaction.Nonce] = txHash

	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.TypeTxAdded, Hash: txHash})
	}
	return nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	owner := e.tx.Owner
	if pending := p.byOwner[owner]; pending != nil {
		delete(pending, e.tx.Nonce)
		if len(pending) == 0 {
			delete(p.byOwner, owner)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// DropStale removes pending transactions whose nonce fell behind the
// finalized account state, typically after blocks finalize.
func (p *Pool) DropStale() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for owner, pending := range p.byOwner {
		ledgerNonce := p.ledger.Nonce(owner)
		for nonce, hash := range pending {
			if nonce < ledgerNonce {
				p.removeLocked(hash)
				dropped++
			}
		}
	}
	return dropped
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest
// fee-rate entry. Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock picks transactions for a block template: whole
// per-owner nonce runs, owners visited by the fee rate of their first
// pending transaction, highest first, up to the limit.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type run struct {
		txs      []*tx.Transaction
		headRate float64
	}
	runs := make([]run, 0, len(p.byOwner))
	for owner, pending := range p.byOwner {
		nonces := make([]uint64, 0, len(pending))
		for nonce := range pending {
			nonces = append(nonces, nonce)
		}
		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })

		r := run{headRate: -1}
		next := p.ledger.Nonce(owner)
		for _, nonce := range nonces {
			if nonce != next {
				break
			}
			e := p.txs[pending[nonce]]
			if r.headRate < 0 {
				r.headRate = e.feeRate
			}
			r.txs = append(r.txs, e.tx)
			next++
		}
		if len(r.txs) > 0 {
			runs = append(runs, r)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].headRate != runs[j].headRate {
			return runs[i].headRate > runs[j].headRate
		}
		return runs[i].txs[0].Hash().Compare(runs[j].txs[0].Hash()) < 0
	})

	selected := make([]*tx.Transaction, 0, limit)
	for _, r := range runs {
		for _, t := range r.txs {
			if len(selected) == limit {
				return selected
			}
			selected = append(selected, t)
		}
	}
	return selected
}
