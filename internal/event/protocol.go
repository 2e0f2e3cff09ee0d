package event

import "github.com/google/uuid"

// InitializeProtocol creates the protocol config and both pools.
type InitializeProtocol struct {
	Header
	Authority       uuid.UUID `json:"authority"`
	CurrencyAsset   string    `json:"currency_asset"`
	CollateralAsset string    `json:"collateral_asset"`
	MinStakeRatio   int64     `json:"min_stake_ratio"` // scale 1_000_000
	GracePeriodSecs int64     `json:"grace_period_secs"`
}

func (e *InitializeProtocol) EventType() EventType {
	return EventTypeProtocolInitialized
}

// RotateAuthority hands the authority capability to a new identity.
type RotateAuthority struct {
	Header
	NewAuthority uuid.UUID `json:"new_authority"`
}

func (e *RotateAuthority) EventType() EventType {
	return EventTypeAuthorityRotated
}

type UpdateParams struct {
	Header
	MinStakeRatio   int64 `json:"min_stake_ratio"`
	GracePeriodSecs int64 `json:"grace_period_secs"`
}

func (e *UpdateParams) EventType() EventType {
	return EventTypeParamsUpdated
}

// CreatePolicy registers a coverage template priced in the protocol currency.
type CreatePolicy struct {
	Header
	PremiumAmount     int64 `json:"premium_amount"`
	PremiumPeriodSecs int64 `json:"premium_period_secs"`
	CoverageLimit     int64 `json:"coverage_limit"`
}

func (e *CreatePolicy) EventType() EventType {
	return EventTypePolicyCreated
}

// FundWallet credits a participant wallet from outside the protocol.
type FundWallet struct {
	Header
	Owner  uuid.UUID `json:"owner"`
	Asset  string    `json:"asset"`
	Amount int64     `json:"amount"`
}

func (e *FundWallet) EventType() EventType {
	return EventTypeWalletFunded
}
