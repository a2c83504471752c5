package math

import "math/big"

// ComputeLiquidationPrice returns the price at which a position's margin is
// consumed, net of the maintenance fraction.
//
//	long:  entry * (1 - 1/L + mmr)   rounded up, floored at zero
//	short: entry * (1 + 1/L - mmr)   rounded down
//
// entryPrice is in price scale, mmrPPM in FractionConfig scale.
func ComputeLiquidationPrice(entryPrice, leverage, mmrPPM int64, long bool) int64 {
	// factor = L*(PPM +/- mmr) -/+ PPM, denominator = L*PPM
	lev := big.NewInt(leverage)
	factor := getInt128()
	defer putInt128(factor)

	if long {
		factor.Mul(lev, big.NewInt(PPM+mmrPPM))
		factor.Sub(factor, big.NewInt(PPM))
	} else {
		factor.Mul(lev, big.NewInt(PPM-mmrPPM))
		factor.Add(factor, big.NewInt(PPM))
	}

	numerator := getInt128()
	defer putInt128(numerator)
	numerator.Mul(factor, big.NewInt(entryPrice))

	denominator := new(big.Int).Mul(lev, big.NewInt(PPM))

	var result int64
	if long {
		result = divBig(numerator, denominator, RoundUp)
		if result < 0 {
			result = 0
		}
	} else {
		result = divBig(numerator, denominator, RoundDown)
	}
	return result
}

// ComputeDistancePPM returns |current - liq| / entry in ppm, or zero once the
// current price has crossed the liquidation price.
func ComputeDistancePPM(entryPrice, liquidationPrice, currentPrice int64, long bool) int64 {
	var gap int64
	if long {
		gap = currentPrice - liquidationPrice
	} else {
		gap = liquidationPrice - currentPrice
	}
	if gap <= 0 {
		return 0
	}
	return MulDiv(gap, PPM, entryPrice, RoundDown)
}

// ComputeMarkShortfall returns the extra margin that brings a position with the
// same notional (margin*leverage) back to thresholdPPM away from liquidation
// at currentPrice. Never negative.
func ComputeMarkShortfall(
	margin, leverage, entryPrice, currentPrice, thresholdPPM, mmrPPM int64,
	long bool,
) int64 {
	adverse := entryPrice - currentPrice
	if !long {
		adverse = currentPrice - entryPrice
	}

	// required = ceil(margin*L * (adverse*PPM + (t+mmr)*entry) / (entry*PPM))
	notional := MultiplyInt128(margin, leverage)
	defer putInt128(notional)

	move := getInt128()
	defer putInt128(move)
	move.Mul(big.NewInt(adverse), big.NewInt(PPM))

	buffer := getInt128()
	defer putInt128(buffer)
	buffer.Mul(big.NewInt(thresholdPPM+mmrPPM), big.NewInt(entryPrice))
	move.Add(move, buffer)

	numerator := getInt128()
	defer putInt128(numerator)
	numerator.Mul(notional, move)

	denominator := new(big.Int).Mul(big.NewInt(entryPrice), big.NewInt(PPM))
	required := divBig(numerator, denominator, RoundUp)

	if shortfall := required - margin; shortfall > 0 {
		return shortfall
	}
	return 0
}

// ComputeLegacyHealth is margin*100/leverage, independent of price.
func ComputeLegacyHealth(margin, leverage int64) int64 {
	return MulDiv(margin, 100, leverage, RoundDown)
}

// ComputeLegacyShortfall returns the margin top-up that lifts the legacy
// health score to minHealth (in quote scale). Never negative.
func ComputeLegacyShortfall(margin, leverage, minHealth int64) int64 {
	required := MulDiv(minHealth, leverage, 100, RoundUp)
	if shortfall := required - margin; shortfall > 0 {
		return shortfall
	}
	return 0
}

func divBig(numerator, denominator *big.Int, mode RoundingMode) int64 {
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denominator, remainder)
	result, clamped := saturate(quotient)
	if !clamped && mode == RoundUp && remainder.Sign() != 0 && result < maxInt64 {
		result++
	}
	return result
}
