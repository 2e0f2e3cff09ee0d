package core

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ledger"
	fpmath "ApolloLedger/internal/math"
	"ApolloLedger/internal/state"
	"fmt"
)

// handleEnrollMember creates a member for the signer and moves the initial
// premium from their wallet into the premium pool.
func (e *Engine) handleEnrollMember(tx *txn, evt *event.EnrollMember) error {
	if evt.InitialPremium <= 0 {
		return fmt.Errorf("enroll: initial premium %d must be positive: %w", evt.InitialPremium, state.ErrInvalidParameter)
	}
	policy, ok := e.policies.Get(evt.PolicyID)
	if !ok {
		return fmt.Errorf("enroll: policy %s: %w", evt.PolicyID, state.ErrPolicyNotFound)
	}

	wallet := ledger.NewWalletKey(tx.signer, policy.CurrencyAsset)
	pool := ledger.PremiumPoolKey(policy.CurrencyAsset)

	// The latest member can only be replaced under the enrollment lock, but
	// we need its id before taking that lock. Retry if it moved in between.
	var (
		prev    state.Member
		hasPrev bool
	)
	for {
		seen, seenOK := e.members.Latest(tx.signer, policy.ID)

		names := []string{wallet.LockName(), pool.LockName(), enrollmentLock(tx.signer, policy.ID)}
		if seenOK {
			names = append(names, memberLock(seen.ID))
		}
		tx.lock(names...)

		prev, hasPrev = e.members.Latest(tx.signer, policy.ID)
		if hasPrev == seenOK && prev.ID == seen.ID {
			break
		}
		tx.unlock()
	}

	generation := uint32(0)
	if hasPrev {
		if prev.StatusAt(tx.ts, e.config.GracePeriod) == state.MemberStatusActive {
			return fmt.Errorf("enroll: member %s is active: %w", prev.ID, state.ErrDuplicateEnrollment)
		}
		generation = prev.Generation + 1
	}

	batch, err := e.journalGen.GeneratePremium(tx.ref, tx.signer, evt.InitialPremium, policy.CurrencyAsset, tx.ts)
	if err != nil {
		return asKind(err, state.ErrInsufficientFunds)
	}
	if err := e.premiums.CheckPremium(evt.InitialPremium); err != nil {
		return outOfRange("enroll", err)
	}

	extension, err := fpmath.CoverageExtension(policy.PremiumPeriod, evt.InitialPremium, policy.PremiumAmount)
	if err != nil {
		return outOfRange("enroll: coverage extension", err)
	}
	paidThrough, err := fpmath.AddChecked(tx.ts, extension)
	if err != nil {
		return outOfRange("enroll: paid-through", err)
	}
	member := state.Member{
		ID:          state.MemberID(tx.signer, policy.ID, generation),
		Owner:       tx.signer,
		PolicyID:    policy.ID,
		Generation:  generation,
		PremiumPaid: evt.InitialPremium,
		PaidThrough: paidThrough,
		EnrolledAt:  tx.ts,
		UpdatedAt:   tx.ts,
	}

	tx.batch = batch
	tx.entityID = member.ID
	tx.changes.Member = &member
	tx.touchesPremiumPool = true
	tx.debitedWallet = &wallet
	tx.onCommit(func() {
		e.premiums.RecordPremium(evt.InitialPremium)
		if e.metrics != nil {
			e.metrics.MembersEnrolled.Inc()
			e.metrics.PremiumsPaid.Inc()
		}
	})
	return nil
}

// handlePayPremium extends an active member's coverage.
func (e *Engine) handlePayPremium(tx *txn, evt *event.PayPremium) error {
	if evt.Amount <= 0 {
		return fmt.Errorf("pay premium: amount %d must be positive: %w", evt.Amount, state.ErrInvalidParameter)
	}
	m, ok := e.members.Get(evt.MemberID)
	if !ok {
		return fmt.Errorf("pay premium: member %s: %w", evt.MemberID, state.ErrMemberNotFound)
	}
	if m.Owner != tx.signer {
		return fmt.Errorf("pay premium: signer %s does not own member %s: %w", tx.signer, m.ID, state.ErrUnauthorized)
	}
	policy, ok := e.policies.Get(m.PolicyID)
	if !ok {
		return fmt.Errorf("pay premium: policy %s: %w", m.PolicyID, state.ErrPolicyNotFound)
	}

	wallet := ledger.NewWalletKey(tx.signer, policy.CurrencyAsset)
	pool := ledger.PremiumPoolKey(policy.CurrencyAsset)
	tx.lock(memberLock(m.ID), wallet.LockName(), pool.LockName())

	m, _ = e.members.Get(evt.MemberID)
	if m.StatusAt(tx.ts, e.config.GracePeriod) == state.MemberStatusLapsed {
		return fmt.Errorf("pay premium: member %s: %w", m.ID, state.ErrMemberLapsed)
	}

	batch, err := e.journalGen.GeneratePremium(tx.ref, tx.signer, evt.Amount, policy.CurrencyAsset, tx.ts)
	if err != nil {
		return asKind(err, state.ErrInsufficientFunds)
	}

	if err := e.premiums.CheckPremium(evt.Amount); err != nil {
		return outOfRange("pay premium", err)
	}
	extension, err := fpmath.CoverageExtension(policy.PremiumPeriod, evt.Amount, policy.PremiumAmount)
	if err != nil {
		return outOfRange("pay premium: coverage extension", err)
	}
	if err := m.ApplyPremium(evt.Amount, extension, tx.ts); err != nil {
		return outOfRange("pay premium", err)
	}

	tx.batch = batch
	tx.entityID = m.ID
	tx.changes.Member = &m
	tx.touchesPremiumPool = true
	tx.debitedWallet = &wallet
	tx.onCommit(func() {
		e.premiums.RecordPremium(evt.Amount)
		if e.metrics != nil {
			e.metrics.PremiumsPaid.Inc()
		}
	})
	return nil
}

// handleStakeAph locks collateral in the capital pool.
func (e *Engine) handleStakeAph(tx *txn, evt *event.StakeAph) error {
	if evt.Amount <= 0 {
		return fmt.Errorf("stake: amount %d must be positive: %w", evt.Amount, state.ErrInvalidParameter)
	}
	asset := e.config.CollateralAsset
	wallet := ledger.NewWalletKey(tx.signer, asset)
	pool := ledger.CapitalPoolKey(asset)
	tx.lock(wallet.LockName(), pool.LockName(), stakeLock(tx.signer))

	batch, err := e.journalGen.GenerateStake(tx.ref, tx.signer, evt.Amount, asset, tx.ts)
	if err != nil {
		return asKind(err, state.ErrInsufficientFunds)
	}

	stake, ok := e.stakes.Get(tx.signer)
	if !ok {
		stake = state.Stake{
			ID:       state.StakeID(tx.signer),
			Owner:    tx.signer,
			AssetID:  asset,
			StakedAt: tx.ts,
		}
	}
	stake.Amount += evt.Amount
	stake.UpdatedAt = tx.ts

	tx.batch = batch
	tx.entityID = stake.ID
	tx.changes.Stake = &stake
	tx.touchesCapitalPool = true
	tx.debitedWallet = &wallet
	return nil
}

// handleUnstakeAph returns collateral as long as the capital pool still
// covers outstanding claim exposure at the configured ratio afterwards.
func (e *Engine) handleUnstakeAph(tx *txn, evt *event.UnstakeAph) error {
	if evt.Amount <= 0 {
		return fmt.Errorf("unstake: amount %d must be positive: %w", evt.Amount, state.ErrInvalidParameter)
	}
	asset := e.config.CollateralAsset
	wallet := ledger.NewWalletKey(tx.signer, asset)
	pool := ledger.CapitalPoolKey(asset)
	tx.lock(wallet.LockName(), pool.LockName(), stakeLock(tx.signer), exposureLock)

	stake, ok := e.stakes.Get(tx.signer)
	if !ok || stake.Amount < evt.Amount {
		return fmt.Errorf("unstake: staked %d, requested %d: %w", stake.Amount, evt.Amount, state.ErrInsufficientStake)
	}

	exposure := e.claims.Exposure()
	required := state.RequiredCapital(exposure, e.config.MinStakeRatio)
	remaining := e.balances.GetBalance(pool) - evt.Amount
	if remaining < required {
		return fmt.Errorf("unstake: capital pool would hold %d, exposure %d requires %d: %w",
			remaining, exposure, required, state.ErrWouldBreachCollateralization)
	}

	batch, err := e.journalGen.GenerateUnstake(tx.ref, tx.signer, evt.Amount, asset, tx.ts)
	if err != nil {
		return asKind(err, state.ErrWouldBreachCollateralization)
	}

	stake.Amount -= evt.Amount
	stake.UpdatedAt = tx.ts

	tx.batch = batch
	tx.entityID = stake.ID
	tx.changes.Stake = &stake
	tx.touchesCapitalPool = true
	return nil
}
