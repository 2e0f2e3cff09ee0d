package core

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/ledger"
	"ApolloLedger/internal/state"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

const microsPerSecond = 1_000_000

// secondsToMicros converts a duration field, rejecting negatives and values
// that would overflow.
func secondsToMicros(field string, secs int64) (int64, error) {
	if secs < 0 || secs > math.MaxInt64/microsPerSecond {
		return 0, fmt.Errorf("%s %d out of range: %w", field, secs, state.ErrInvalidParameter)
	}
	return secs * microsPerSecond, nil
}

func resolveAsset(field, name string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(name)
	if !ok {
		return 0, fmt.Errorf("%s: unknown asset %q: %w", field, name, state.ErrInvalidParameter)
	}
	return id, nil
}

// asKind converts a ledger pre-check failure into a protocol rejection kind.
func asKind(err error, kind error) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return fmt.Errorf("%w: %v", kind, err)
	}
	return err
}

// outOfRange rejects an operation whose amounts or times would leave the
// int64 range.
func outOfRange(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, state.ErrInvalidParameter, err)
}

func (e *Engine) handleInitialize(tx *txn, evt *event.InitializeProtocol) error {
	if e.config != nil {
		return fmt.Errorf("initialize: %w", state.ErrAlreadyInitialized)
	}
	if evt.Authority == uuid.Nil {
		return fmt.Errorf("initialize: nil authority: %w", state.ErrInvalidParameter)
	}

	currency, err := resolveAsset("currency_asset", evt.CurrencyAsset)
	if err != nil {
		return err
	}
	collateral, err := resolveAsset("collateral_asset", evt.CollateralAsset)
	if err != nil {
		return err
	}
	grace, err := secondsToMicros("grace_period_secs", evt.GracePeriodSecs)
	if err != nil {
		return err
	}
	if err := state.ValidateParams(evt.MinStakeRatio, grace); err != nil {
		return err
	}

	// Both pools start at zero; they come into existence as ledger accounts
	// on first use.
	tx.changes.Config = &state.ProtocolConfig{
		Authority:       evt.Authority,
		CurrencyAsset:   currency,
		CollateralAsset: collateral,
		MinStakeRatio:   evt.MinStakeRatio,
		GracePeriod:     grace,
		InitializedAt:   tx.ts,
		UpdatedAt:       tx.ts,
	}
	tx.entityID = evt.Authority
	return nil
}

func (e *Engine) handleRotateAuthority(tx *txn, evt *event.RotateAuthority) error {
	if err := e.config.RequireAuthority(tx.signer); err != nil {
		return err
	}
	if evt.NewAuthority == uuid.Nil {
		return fmt.Errorf("rotate authority: nil authority: %w", state.ErrInvalidParameter)
	}

	cfg := *e.config
	cfg.Authority = evt.NewAuthority
	cfg.UpdatedAt = tx.ts

	tx.changes.Config = &cfg
	tx.entityID = evt.NewAuthority
	return nil
}

func (e *Engine) handleUpdateParams(tx *txn, evt *event.UpdateParams) error {
	if err := e.config.RequireAuthority(tx.signer); err != nil {
		return err
	}
	grace, err := secondsToMicros("grace_period_secs", evt.GracePeriodSecs)
	if err != nil {
		return err
	}
	if err := state.ValidateParams(evt.MinStakeRatio, grace); err != nil {
		return err
	}

	cfg := *e.config
	cfg.MinStakeRatio = evt.MinStakeRatio
	cfg.GracePeriod = grace
	cfg.UpdatedAt = tx.ts

	tx.changes.Config = &cfg
	tx.entityID = cfg.Authority
	return nil
}

func (e *Engine) handleCreatePolicy(tx *txn, evt *event.CreatePolicy) error {
	if err := e.config.RequireAuthority(tx.signer); err != nil {
		return err
	}
	period, err := secondsToMicros("premium_period_secs", evt.PremiumPeriodSecs)
	if err != nil {
		return err
	}
	if err := state.ValidatePolicyTerms(evt.PremiumAmount, period, evt.CoverageLimit); err != nil {
		return err
	}

	cfg := *e.config
	policy := state.Policy{
		ID:            state.PolicyID(cfg.NextPolicyID),
		Number:        cfg.NextPolicyID,
		PremiumAmount: evt.PremiumAmount,
		PremiumPeriod: period,
		CoverageLimit: evt.CoverageLimit,
		CurrencyAsset: cfg.CurrencyAsset,
		CreatedBy:     tx.signer,
		CreatedAt:     tx.ts,
	}
	cfg.NextPolicyID++
	cfg.UpdatedAt = tx.ts

	tx.changes.Config = &cfg
	tx.changes.Policy = &policy
	tx.entityID = policy.ID
	return nil
}

// handleFundWallet credits a wallet from the external deposits boundary.
// The owner funds their own wallet; the authority may fund any wallet.
func (e *Engine) handleFundWallet(tx *txn, evt *event.FundWallet) error {
	if evt.Owner == uuid.Nil {
		return fmt.Errorf("fund wallet: nil owner: %w", state.ErrInvalidParameter)
	}
	if evt.Amount <= 0 {
		return fmt.Errorf("fund wallet: amount %d must be positive: %w", evt.Amount, state.ErrInvalidParameter)
	}
	assetID, err := resolveAsset("asset", evt.Asset)
	if err != nil {
		return err
	}
	if tx.signer != evt.Owner && tx.signer != e.config.Authority {
		return fmt.Errorf("fund wallet: signer %s may not fund %s: %w", tx.signer, evt.Owner, state.ErrUnauthorized)
	}

	wallet := ledger.NewWalletKey(evt.Owner, assetID)
	boundary := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, assetID)
	tx.lock(wallet.LockName(), boundary.LockName())

	batch, err := e.journalGen.GenerateWalletFunding(tx.ref, evt.Owner, evt.Amount, assetID, tx.ts)
	if err != nil {
		return err
	}

	tx.batch = batch
	tx.entityID = evt.Owner
	return nil
}
