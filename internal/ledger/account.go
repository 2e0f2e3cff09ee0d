package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypePremiumPool
	SubTypeCapitalPool

	// External sub-types
	SubTypeExternalDeposits
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:           "wallet",
	SubTypePremiumPool:      "premium_pool",
	SubTypeCapitalPool:      "capital_pool",
	SubTypeExternalDeposits: "deposits",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"APH":  2,
		"USDT": 3,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "APH",
		3: "USDT",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // participant UUID for user accounts, zero otherwise
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletKey returns the wallet account of a participant for one asset.
func NewWalletKey(owner uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for a protocol-owned pool
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

func PremiumPoolKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey(SubTypePremiumPool, assetID)
}

func CapitalPoolKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeCapitalPool, assetID)
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Snapshots store balances
// keyed by path, so restore depends on this round-tripping exactly.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var (
		key      AccountKey
		subName  string
		assetStr string
	)

	switch {
	case len(parts) == 4 && parts[0] == "user":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		key.Scope = AccountScopeUser
		key.EntityID = id
		subName, assetStr = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		subName, assetStr = parts[1], parts[2]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		subName, assetStr = parts[1], parts[2]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	found := false
	for st, name := range subTypeNames {
		if name == subName {
			key.SubType = st
			found = true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, subName)
	}

	assetID, ok := GetAssetID(assetStr)
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, assetStr)
	}
	key.AssetID = assetID

	return key, nil
}
