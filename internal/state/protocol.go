package state

import (
	"ApolloLedger/internal/ledger"
	"fmt"

	"github.com/google/uuid"
)

// RatioScale is the fixed-point scale of MinStakeRatio (1.5 == 1_500_000).
const RatioScale = 1_000_000

// ProtocolConfig is the protocol singleton. It exists once initialize has
// run; authority is never nil afterwards.
type ProtocolConfig struct {
	Authority       uuid.UUID
	CurrencyAsset   ledger.AssetID
	CollateralAsset ledger.AssetID
	MinStakeRatio   int64 // scale RatioScale
	GracePeriod     int64 // microseconds
	NextPolicyID    uint64
	InitializedAt   int64 // epoch microseconds
	UpdatedAt       int64
}

// RequireAuthority fails with ErrUnauthorized unless signer is the current
// authority.
func (c *ProtocolConfig) RequireAuthority(signer uuid.UUID) error {
	if signer != c.Authority {
		return fmt.Errorf("signer %s is not the protocol authority: %w", signer, ErrUnauthorized)
	}
	return nil
}

// ValidateParams checks the tunable parameters.
func ValidateParams(minStakeRatio, gracePeriod int64) error {
	if minStakeRatio < 0 {
		return fmt.Errorf("min stake ratio %d must be >= 0: %w", minStakeRatio, ErrInvalidParameter)
	}
	if gracePeriod < 0 {
		return fmt.Errorf("grace period %d must be >= 0: %w", gracePeriod, ErrInvalidParameter)
	}
	return nil
}

func (c *ProtocolConfig) AppendDigest(buf []byte) []byte {
	buf = appendTag(buf, "config")
	buf = appendUUID(buf, c.Authority)
	buf = append(buf, byte(c.CurrencyAsset), byte(c.CurrencyAsset>>8))
	buf = append(buf, byte(c.CollateralAsset), byte(c.CollateralAsset>>8))
	buf = appendInt64(buf, c.MinStakeRatio)
	buf = appendInt64(buf, c.GracePeriod)
	buf = appendInt64(buf, int64(c.NextPolicyID))
	return buf
}
