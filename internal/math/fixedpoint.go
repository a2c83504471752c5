package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // margin amounts
	FractionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // ppm
)

// PPM is one whole expressed in FractionConfig units.
const PPM = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflowing int64.
// The caller owns the result and should release it with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate obtained from this package to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

// DivideInt128 performs numerator / denominator with rounding.
// denominator must be positive. A quotient outside int64 saturates.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	// Euclidean division: remainder is always >= 0, so quotient is the floor.
	quotient.DivMod(numerator, denom, remainder)

	result, clamped := saturate(quotient)

	switch {
	case clamped || result == maxInt64:
	case roundingMode == RoundHalfEven:
		twice := getInt128()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
		putInt128(twice)
	case roundingMode == RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / c with the given rounding.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, c, mode)
}
