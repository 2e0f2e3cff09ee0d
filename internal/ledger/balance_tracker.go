package ledger

import (
	fpmath "ApolloLedger/internal/math"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrInsufficientBalance is returned by pre-checks when an account cannot
// cover a debit. Callers translate it into the protocol-level error kind.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrBalanceOverflow is returned when applying a batch would move an account
// balance past the int64 range.
var ErrBalanceOverflow = errors.New("balance overflow")

// BalanceTracker maintains in-memory account balances.
// The mutex only protects the map; callers that need a consistent
// read-check-write across several accounts hold those accounts' locks
// from a LockManager for the whole sequence.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.applyLocked(j)
}

func (bt *BalanceTracker) applyLocked(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch as one step. Readers never
// observe a half-applied batch.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	if err := bt.checkBoundsLocked(batch); err != nil {
		return err
	}
	for _, j := range batch.Journals {
		bt.applyLocked(j)
	}

	return nil
}

// CheckBounds reports whether every account the batch touches stays within
// the int64 range once the batch is applied.
func (bt *BalanceTracker) CheckBounds(batch *Batch) error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.checkBoundsLocked(batch)
}

func (bt *BalanceTracker) checkBoundsLocked(batch *Batch) error {
	next := make(map[AccountKey]int64, 2*len(batch.Journals))
	move := func(key AccountKey, delta int64) error {
		current, ok := next[key]
		if !ok {
			current = bt.balances[key]
		}
		updated, err := fpmath.AddChecked(current, delta)
		if err != nil {
			return fmt.Errorf("%w: %s at %d cannot move by %d", ErrBalanceOverflow, key.AccountPath(), current, delta)
		}
		next[key] = updated
		return nil
	}

	for _, j := range batch.Journals {
		if err := move(j.DebitAccount, j.Amount); err != nil {
			return err
		}
		if err := move(j.CreditAccount, -j.Amount); err != nil {
			return err
		}
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// SetBalance overwrites a balance. Only used when restoring from a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.balances[key] = balance
}

// GetWalletBalance returns a participant's spendable balance for an asset.
func (bt *BalanceTracker) GetWalletBalance(owner uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewWalletKey(owner, assetID))
}

// ValidateSufficient checks that an account can cover a debit of required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	balance := bt.GetBalance(key)
	if balance < required {
		return fmt.Errorf("%w: %s have=%d, need=%d", ErrInsufficientBalance, key.AccountPath(), balance, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[AssetID]int64)
	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
