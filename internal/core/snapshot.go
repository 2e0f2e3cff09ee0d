package core

import (
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/state"
	"fmt"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence          int64 // last applied sequence, -1 if none
	StateHash         [32]byte
	Config            *state.ProtocolConfig
	Balances          map[ledger.AccountKey]int64
	Policies          []state.Policy
	Members           []state.Member
	Stakes            []state.Stake
	Claims            []state.Claim
	PremiumsCollected int64
	PayoutsMade       int64
	IdempotencyKeys   []string
	LastTimestamp     int64 // latest committed operation timestamp, epoch microseconds
}

// CreateSnapshotState captures a consistent view of the engine. It takes
// the config lock exclusively, so no operation is in flight while it runs.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var cfg *state.ProtocolConfig
	if e.config != nil {
		c := *e.config
		cfg = &c
	}
	collected, paidOut := e.premiums.Totals()

	return &SnapshotState{
		Sequence:          e.sequence - 1,
		StateHash:         e.hasher.GetPrevHash(),
		Config:            cfg,
		Balances:          e.balances.Snapshot(),
		Policies:          e.policies.All(),
		Members:           e.members.All(),
		Stakes:            e.stakes.All(),
		Claims:            e.claims.All(),
		PremiumsCollected: collected,
		PayoutsMade:       paidOut,
		IdempotencyKeys:   e.idempotency.Keys(),
		LastTimestamp:     e.lastTs,
	}
}

// RestoreFromSnapshot loads a snapshot into a freshly created engine and
// checks the restored state against the ledger invariants.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.config != nil {
		return fmt.Errorf("restore into an engine that already holds state")
	}

	e.sequence = snap.Sequence + 1
	e.lastTs = snap.LastTimestamp
	e.hasher.SetPrevHash(snap.StateHash)

	if snap.Config != nil {
		c := *snap.Config
		e.config = &c
	}
	for key, balance := range snap.Balances {
		e.balances.SetBalance(key, balance)
	}
	for _, p := range snap.Policies {
		e.policies.Put(p)
	}
	for _, m := range snap.Members {
		e.members.Put(m)
	}
	for _, s := range snap.Stakes {
		e.stakes.Put(s)
	}
	for _, c := range snap.Claims {
		e.claims.Put(c)
	}
	e.claims.RecomputeExposure()
	e.premiums.Restore(snap.PremiumsCollected, snap.PayoutsMade)
	e.idempotency.Warm(snap.IdempotencyKeys)

	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("snapshot balances: %w", err)
	}
	if e.config != nil {
		if err := e.validator.ValidatePremiumConservation(e.config.CurrencyAsset, snap.PremiumsCollected, snap.PayoutsMade); err != nil {
			return fmt.Errorf("snapshot premium pool: %w", err)
		}
		if err := e.validator.ValidateCapitalCoversStakes(e.config.CollateralAsset, e.stakes.Total()); err != nil {
			return fmt.Errorf("snapshot capital pool: %w", err)
		}
	}
	return nil
}

// WarmLRU loads recent idempotency keys (composite "type:key", oldest
// first) into the dedup cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}
