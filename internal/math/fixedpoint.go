package math

import (
	"errors"
	stdmath "math"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a result does not fit in an int64 amount.
var ErrOverflow = errors.New("int64 overflow")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Token amounts use the mint's base units (6 decimals for USDC and APH).
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	// Ratios such as minStakeRatio: 1_000_000 == 1.0
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

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

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The result must be released with Release once the caller is done with it.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate produced by MultiplyInt128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with rounding.
// Only non-negative numerators and positive denominators are meaningful here;
// every quantity in the protocol is an unsigned amount.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denom, remainder)
	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	result := quotient.Int64()

	roundUp := false
	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			roundUp = true
		} else if cmp == 0 && denominator%2 == 0 {
			roundUp = result%2 != 0
		}
	case RoundUp:
		roundUp = remainder.Sign() != 0
	case RoundDown:
		// DivMod already truncates toward zero for non-negative operands
	}

	if roundUp {
		if result == stdmath.MaxInt64 {
			return 0, ErrOverflow
		}
		result++
	}
	return result, nil
}

// MulDiv computes a * b / denominator with the given rounding, without
// overflowing on the intermediate product. ErrOverflow means the quotient
// itself is out of range.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, denominator, roundingMode)
}

// AddChecked returns a + b, or ErrOverflow if the sum leaves the int64 range.
func AddChecked(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}
