package ledger

import (
	"fmt"

	"github.com/google/uuid"
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

// ValidateUserBalances checks available and reserved are both >= 0
func (v *InvariantValidator) ValidateUserBalances(userID uuid.UUID, assetID AssetID) error {
	if err := v.tracker.ValidateAvailableNonNegative(userID, assetID); err != nil {
		return err
	}
	return v.tracker.ValidateReservedNonNegative(userID, assetID)
}

// ValidateReservedTotal verifies Σ reserved across users equals the locked total
func (v *InvariantValidator) ValidateReservedTotal(assetID AssetID, locked int64) error {
	reserved := v.tracker.SumUserSubType(SubTypeReserved, assetID)
	if reserved != locked {
		return fmt.Errorf("reserved total %d does not match locked margin %d", reserved, locked)
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
