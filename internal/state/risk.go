package state

import (
	fpmath "MarginLedger/internal/math"
)

// HealthReport is the outcome of evaluating one position at one price
type HealthReport struct {
	AtRisk bool

	// Score is distance to liquidation in ppm (mark-price model) or the
	// margin*100/leverage score in quote scale (legacy model).
	Score int64

	// RequiredMarginDeposit is the top-up that would restore health. Zero
	// when healthy.
	RequiredMarginDeposit int64
}

// RiskCalculator scores positions against the rules. Pure functions only.
type RiskCalculator struct{}

func NewRiskCalculator() *RiskCalculator {
	return &RiskCalculator{}
}

// LiquidationPrice computes the price fixed into a position at open
func (rc *RiskCalculator) LiquidationPrice(entryPrice, leverage int64, long bool, rules LiquidationRules) int64 {
	return fpmath.ComputeLiquidationPrice(entryPrice, leverage, rules.MaintenanceMarginPPM, long)
}

// Evaluate scores pos at currentPrice under rules
func (rc *RiskCalculator) Evaluate(pos *Position, currentPrice int64, rules LiquidationRules) HealthReport {
	switch rules.HealthModel {
	case HealthModelLegacy:
		return rc.evaluateLegacy(pos, rules)
	default:
		return rc.evaluateMarkPrice(pos, currentPrice, rules)
	}
}

func (rc *RiskCalculator) evaluateMarkPrice(pos *Position, currentPrice int64, rules LiquidationRules) HealthReport {
	distance := fpmath.ComputeDistancePPM(pos.EntryPrice, pos.LiquidationPrice, currentPrice, pos.IsLong())
	report := HealthReport{Score: distance}
	if distance >= rules.ThresholdPPM {
		return report
	}

	report.AtRisk = true
	report.RequiredMarginDeposit = fpmath.ComputeMarkShortfall(
		pos.MarginUsed,
		pos.Leverage,
		pos.EntryPrice,
		currentPrice,
		rules.ThresholdPPM,
		rules.MaintenanceMarginPPM,
		pos.IsLong(),
	)
	return report
}

func (rc *RiskCalculator) evaluateLegacy(pos *Position, rules LiquidationRules) HealthReport {
	minHealth := rules.LegacyMinHealth * fpmath.QuoteConfig.Scale
	score := fpmath.ComputeLegacyHealth(pos.MarginUsed, pos.Leverage)
	report := HealthReport{Score: score}
	if score >= minHealth {
		return report
	}

	report.AtRisk = true
	report.RequiredMarginDeposit = fpmath.ComputeLegacyShortfall(pos.MarginUsed, pos.Leverage, minHealth)
	return report
}
