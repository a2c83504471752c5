package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToFixed converts a decimal to fixed point in the given config. Values with
// more precision than the config allows are rejected rather than rounded.
func ToFixed(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("value %s exceeds %d decimal places", d.String(), cfg.DecimalPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("value %s out of range", d.String())
	}
	return scaled.IntPart(), nil
}

// ParseFixed parses a decimal string into fixed point.
func ParseFixed(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return ToFixed(d, cfg)
}

// FromFixed converts a fixed-point value back to a decimal.
func FromFixed(v int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(v, -int32(cfg.DecimalPrecision))
}

// FormatFixed renders a fixed-point value with the config's precision.
func FormatFixed(v int64, cfg DecimalConfig) string {
	return FromFixed(v, cfg).StringFixed(int32(cfg.DecimalPrecision))
}
