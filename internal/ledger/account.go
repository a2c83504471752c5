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
	SubTypeCollateral AccountSubType = iota // available margin
	SubTypeReserved                         // margin locked in open positions

	// System sub-types
	SubTypeSystemInsuranceFund

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:          "collateral",
	SubTypeReserved:            "reserved",
	SubTypeSystemInsuranceFund: "insurance_fund",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
	}
)

// DefaultMarginAsset is the settlement asset margin is denominated in.
const DefaultMarginAsset = "USDC"

// InsuranceFundName names the system account receiving forfeited margin.
const InsuranceFundName = "insurance"

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
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
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
		name := strings.TrimRight(string(k.EntityID[:]), "\x00")
		return fmt.Sprintf("system:%s:%s:%s", name, k.subTypeName(), assetName)
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

// ParseAccountPath is the inverse of AccountPath. Used when restoring
// snapshots, which store balances keyed by path.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	lookup := func(subType, asset string) (AccountSubType, AssetID, error) {
		var st AccountSubType
		found := false
		for k, v := range subTypeNames {
			if v == subType {
				st, found = k, true
				break
			}
		}
		if !found {
			return 0, 0, fmt.Errorf("unknown sub-type %q in %q", subType, path)
		}
		id, ok := GetAssetID(asset)
		if !ok {
			return 0, 0, fmt.Errorf("unknown asset %q in %q", asset, path)
		}
		return st, id, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("bad user id in %q: %w", path, err)
		}
		st, asset, err := lookup(parts[2], parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewUserAccountKey(uid, st, asset), nil

	case len(parts) == 4 && parts[0] == "system":
		st, asset, err := lookup(parts[2], parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(parts[1], st, asset), nil

	case len(parts) == 3 && parts[0] == "external":
		st, asset, err := lookup(parts[1], parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st, asset), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
