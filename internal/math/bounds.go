package math

import "math/big"

const (
	maxInt64 = 1<<63 - 1
	minInt64 = -1 << 63
)

// Input bounds for position arithmetic. Inside them margin*leverage and
// every liquidation price fit in int64.
const (
	MaxLeverage = 1_000
	MaxPrice    = 1_000_000_000_000_000 // 10^13 whole units at price scale
	MaxMargin   = maxInt64 / MaxLeverage
)

// saturate converts v to int64, clamping to the int64 range. clamped
// reports whether v was out of range.
func saturate(v *big.Int) (result int64, clamped bool) {
	if v.IsInt64() {
		return v.Int64(), false
	}
	if v.Sign() > 0 {
		return maxInt64, true
	}
	return minInt64, true
}
