package state

import (
	"fmt"

	fpmath "MarginLedger/internal/math"
)

// HealthModel selects how position health is scored
type HealthModel int32

const (
	HealthModelMarkPrice HealthModel = iota
	HealthModelLegacy
)

func (hm HealthModel) String() string {
	switch hm {
	case HealthModelMarkPrice:
		return "mark_price"
	case HealthModelLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParseHealthModel is the inverse of HealthModel.String.
func ParseHealthModel(s string) (HealthModel, error) {
	switch s {
	case "mark_price", "":
		return HealthModelMarkPrice, nil
	case "legacy":
		return HealthModelLegacy, nil
	default:
		return -1, fmt.Errorf("%w: unknown health model %q", ErrInvalidRules, s)
	}
}

// LiquidationRules is the process-wide risk configuration
type LiquidationRules struct {
	HealthModel          HealthModel
	ThresholdPPM         int64 // at-risk distance (decimal_precision=6, scale=1_000_000)
	MaintenanceMarginPPM int64 // maintenance fraction (decimal_precision=6, scale=1_000_000)
	LegacyMinHealth      int64 // whole units; compared against margin*100/leverage
}

// DefaultLiquidationRules: mark-price model, 20% threshold, no maintenance
// margin, legacy floor 20.
func DefaultLiquidationRules() LiquidationRules {
	return LiquidationRules{
		HealthModel:          HealthModelMarkPrice,
		ThresholdPPM:         200_000,
		MaintenanceMarginPPM: 0,
		LegacyMinHealth:      20,
	}
}

// ValidateLiquidationRules checks threshold in (0, 1_000_000], maintenance
// in [0, 1_000_000), a known model and a positive legacy floor.
func ValidateLiquidationRules(rules LiquidationRules) error {
	if rules.ThresholdPPM <= 0 || rules.ThresholdPPM > fpmath.PPM {
		return fmt.Errorf("%w: threshold_ppm must be in (0, %d], got %d", ErrInvalidRules, fpmath.PPM, rules.ThresholdPPM)
	}
	if rules.MaintenanceMarginPPM < 0 || rules.MaintenanceMarginPPM >= fpmath.PPM {
		return fmt.Errorf("%w: maintenance_margin_ppm must be in [0, %d), got %d", ErrInvalidRules, fpmath.PPM, rules.MaintenanceMarginPPM)
	}
	if rules.HealthModel != HealthModelMarkPrice && rules.HealthModel != HealthModelLegacy {
		return fmt.Errorf("%w: unknown health model %d", ErrInvalidRules, rules.HealthModel)
	}
	if rules.LegacyMinHealth <= 0 {
		return fmt.Errorf("%w: legacy_min_health must be > 0, got %d", ErrInvalidRules, rules.LegacyMinHealth)
	}
	return nil
}

// MaxLeverage is the highest leverage an open accepts under these rules.
// With a maintenance fraction the leverage must keep L*mmr below one whole,
// otherwise the liquidation price lands at or beyond entry.
func (r LiquidationRules) MaxLeverage() int64 {
	limit := int64(fpmath.MaxLeverage)
	if r.MaintenanceMarginPPM > 0 {
		limit = min(limit, (fpmath.PPM-1)/r.MaintenanceMarginPPM)
	}
	return limit
}

// CanonicalBytes returns deterministic serialization for hashing
func (r LiquidationRules) CanonicalBytes() []byte {
	buf := make([]byte, 0, 25)
	buf = append(buf, byte(r.HealthModel))
	buf = appendInt64LE(buf, r.ThresholdPPM)
	buf = appendInt64LE(buf, r.MaintenanceMarginPPM)
	buf = appendInt64LE(buf, r.LegacyMinHealth)
	return buf
}
