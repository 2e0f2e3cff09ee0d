package state

import (
	fpmath "ApolloLedger/internal/math"
	"fmt"
	"sync/atomic"
)

// PremiumPool tracks the cumulative flows through the premium pool.
// The balance itself lives in the ledger (system:premium_pool:<asset>); the
// totals here back the conservation check premium_pool == collected - paid.
// Both counters change only while the premium pool account lock is held.
type PremiumPool struct {
	collected atomic.Int64
	paidOut   atomic.Int64
}

func NewPremiumPool() *PremiumPool {
	return &PremiumPool{}
}

// CheckPremium reports whether recording amount keeps the collected total in
// range. Callers hold the premium pool lock between the check and the record.
func (p *PremiumPool) CheckPremium(amount int64) error {
	if _, err := fpmath.AddChecked(p.collected.Load(), amount); err != nil {
		return fmt.Errorf("premiums collected: %w", err)
	}
	return nil
}

func (p *PremiumPool) RecordPremium(amount int64) {
	p.collected.Add(amount)
}

func (p *PremiumPool) RecordPayout(amount int64) {
	p.paidOut.Add(amount)
}

func (p *PremiumPool) Totals() (collected, paidOut int64) {
	return p.collected.Load(), p.paidOut.Load()
}

// Restore sets both counters. Only used when loading a snapshot.
func (p *PremiumPool) Restore(collected, paidOut int64) {
	p.collected.Store(collected)
	p.paidOut.Store(paidOut)
}

// CanCover checks if a pool holding poolBalance can pay amount in full.
func CanCover(poolBalance, amount int64) bool {
	return poolBalance >= amount
}

// Shortfall returns how much of amount the pool cannot pay.
func Shortfall(poolBalance, amount int64) int64 {
	if poolBalance >= amount {
		return 0
	}
	return amount - poolBalance
}

// RequiredCapital returns the capital pool floor for the outstanding claim
// exposure: ceil(minStakeRatio × exposure / RatioScale).
func RequiredCapital(exposure, minStakeRatio int64) int64 {
	return fpmath.RequiredCollateral(exposure, minStakeRatio)
}
