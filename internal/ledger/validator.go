package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePoolNonNegative checks both protocol pools for an asset.
func (v *InvariantValidator) ValidatePoolNonNegative(assetID AssetID) error {
	if err := v.tracker.ValidateNonNegative(PremiumPoolKey(assetID)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(CapitalPoolKey(assetID))
}

// ValidateCapitalCoversStakes checks capital_pool >= Σ stakes for the
// collateral asset.
func (v *InvariantValidator) ValidateCapitalCoversStakes(assetID AssetID, totalStaked int64) error {
	balance := v.tracker.GetBalance(CapitalPoolKey(assetID))
	if balance < totalStaked {
		return fmt.Errorf("capital pool %d below total staked %d", balance, totalStaked)
	}
	return nil
}

// ValidatePremiumConservation checks premium_pool == Σ premiums − Σ payouts.
func (v *InvariantValidator) ValidatePremiumConservation(assetID AssetID, collected, paidOut int64) error {
	balance := v.tracker.GetBalance(PremiumPoolKey(assetID))
	if balance != collected-paidOut {
		return fmt.Errorf("premium pool %d != collected %d - paid %d", balance, collected, paidOut)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
