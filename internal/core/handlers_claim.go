package core

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ledger"
	fpmath "ApolloLedger/internal/math"
	"ApolloLedger/internal/state"
	"fmt"
)

func (e *Engine) handleSubmitClaim(tx *txn, evt *event.SubmitClaim) error {
	if evt.Amount <= 0 {
		return fmt.Errorf("submit claim: amount %d must be positive: %w", evt.Amount, state.ErrInvalidParameter)
	}
	m, ok := e.members.Get(evt.MemberID)
	if !ok {
		return fmt.Errorf("submit claim: member %s: %w", evt.MemberID, state.ErrMemberNotFound)
	}
	if m.Owner != tx.signer {
		return fmt.Errorf("submit claim: signer %s does not own member %s: %w", tx.signer, m.ID, state.ErrUnauthorized)
	}
	policy, ok := e.policies.Get(m.PolicyID)
	if !ok {
		return fmt.Errorf("submit claim: policy %s: %w", m.PolicyID, state.ErrPolicyNotFound)
	}
	if evt.Amount > policy.CoverageLimit {
		return fmt.Errorf("submit claim: amount %d over limit %d: %w", evt.Amount, policy.CoverageLimit, state.ErrExceedsCoverageLimit)
	}

	tx.lock(memberLock(m.ID), exposureLock)

	m, _ = e.members.Get(evt.MemberID)
	if m.StatusAt(tx.ts, e.config.GracePeriod) == state.MemberStatusLapsed {
		return fmt.Errorf("submit claim: member %s: %w", m.ID, state.ErrMemberLapsed)
	}
	if _, err := fpmath.AddChecked(e.claims.Exposure(), evt.Amount); err != nil {
		return outOfRange("submit claim: exposure", err)
	}

	index := m.ClaimCount
	claim := state.Claim{
		ID:           state.ClaimID(m.ID, index),
		MemberID:     m.ID,
		Claimant:     m.Owner,
		PolicyID:     m.PolicyID,
		Amount:       evt.Amount,
		EvidenceHash: evt.EvidenceHash,
		Status:       state.ClaimStatusPending,
		Index:        index,
		SubmittedAt:  tx.ts,
		UpdatedAt:    tx.ts,
	}
	if _, exists := e.claims.Get(claim.ID); exists {
		panic(fmt.Sprintf("FATAL: claim %s already exists for member %s index %d", claim.ID, m.ID, index))
	}

	m.ClaimCount++
	m.UpdatedAt = tx.ts

	tx.entityID = claim.ID
	tx.changes.Member = &m
	tx.changes.Claim = &claim
	tx.onCommit(func() {
		e.claims.AddExposure(claim.Amount)
	})
	return nil
}

// handleApproveClaim pays a pending claim from the premium pool. Pending
// moves through Approved to Paid in one step; a pool that cannot cover the
// amount rejects the approval and leaves the claim pending.
func (e *Engine) handleApproveClaim(tx *txn, evt *event.ApproveClaim) error {
	if err := e.config.RequireAuthority(tx.signer); err != nil {
		return err
	}
	c, ok := e.claims.Get(evt.ClaimID)
	if !ok {
		return fmt.Errorf("approve claim: %s: %w", evt.ClaimID, state.ErrClaimNotFound)
	}
	policy, ok := e.policies.Get(c.PolicyID)
	if !ok {
		return fmt.Errorf("approve claim: policy %s: %w", c.PolicyID, state.ErrPolicyNotFound)
	}

	wallet := ledger.NewWalletKey(c.Claimant, policy.CurrencyAsset)
	pool := ledger.PremiumPoolKey(policy.CurrencyAsset)
	tx.lock(claimLock(c.ID), pool.LockName(), wallet.LockName(), exposureLock)

	c, _ = e.claims.Get(evt.ClaimID)
	if !c.Status.CanTransitionTo(state.ClaimStatusApproved) {
		return fmt.Errorf("approve claim %s: %s -> %s: %w", c.ID, c.Status, state.ClaimStatusApproved, state.ErrInvalidTransition)
	}

	poolBalance := e.balances.GetBalance(pool)
	if !state.CanCover(poolBalance, c.Amount) {
		return fmt.Errorf("approve claim %s: premium pool short by %d: %w",
			c.ID, state.Shortfall(poolBalance, c.Amount), state.ErrInsufficientPoolFunds)
	}

	batch, err := e.journalGen.GenerateClaimPayout(tx.ref, c.Claimant, c.Amount, policy.CurrencyAsset, tx.ts)
	if err != nil {
		return asKind(err, state.ErrInsufficientPoolFunds)
	}

	if err := c.Transition(state.ClaimStatusApproved, tx.signer, tx.ts); err != nil {
		return err
	}
	if err := c.Transition(state.ClaimStatusPaid, tx.signer, tx.ts); err != nil {
		return err
	}

	tx.batch = batch
	tx.entityID = c.ID
	tx.changes.Claim = &c
	tx.touchesPremiumPool = true
	tx.onCommit(func() {
		e.claims.AddExposure(-c.Amount)
		e.premiums.RecordPayout(c.Amount)
		if e.metrics != nil {
			e.metrics.ClaimsResolved.WithLabelValues(state.ClaimStatusPaid.String()).Inc()
		}
	})
	return nil
}

func (e *Engine) handleDenyClaim(tx *txn, evt *event.DenyClaim) error {
	if err := e.config.RequireAuthority(tx.signer); err != nil {
		return err
	}
	if _, ok := e.claims.Get(evt.ClaimID); !ok {
		return fmt.Errorf("deny claim: %s: %w", evt.ClaimID, state.ErrClaimNotFound)
	}

	tx.lock(claimLock(evt.ClaimID), exposureLock)

	c, _ := e.claims.Get(evt.ClaimID)
	if err := c.Transition(state.ClaimStatusDenied, tx.signer, tx.ts); err != nil {
		return err
	}

	tx.entityID = c.ID
	tx.changes.Claim = &c
	tx.onCommit(func() {
		e.claims.AddExposure(-c.Amount)
		if e.metrics != nil {
			e.metrics.ClaimsResolved.WithLabelValues(state.ClaimStatusDenied.String()).Inc()
		}
	})
	return nil
}
