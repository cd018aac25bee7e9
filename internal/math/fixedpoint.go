package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	AmountConfig     = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USDC
	BasisPointConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}    // 1 bp = 0.0001
	MicroConfig      = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 1 micro = 0.000001
)

var (
	ErrUnderflow      = errors.New("amount underflow")
	ErrOverflow       = errors.New("amount overflow")
	ErrInvalidRate    = errors.New("invalid rate")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrDivisionByZero = errors.New("division by zero")
)

// Amount is a count of minor units (6 decimals).
type Amount int64

// BasisPoints is a rate in 1/10_000.
type BasisPoints int64

// MicroRate is a rate in 1/1_000_000.
type MicroRate int64

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
	RoundHalfUp                       // display only
	RoundTowardZero
)

// int128Pool holds scratch big.Ints for intermediate products
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

// MultiplyInt128 performs a * b without overflow. Caller returns the result via putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with an explicit rounding mode.
// The denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	if denominator == 0 {
		return 0, ErrDivisionByZero
	}
	if denominator < 0 {
		return 0, fmt.Errorf("negative denominator %d: %w", denominator, ErrInvalidAmount)
	}

	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// Euclidean division: with a positive divisor the quotient is the floor
	// and the remainder is in [0, denominator).
	quotient.DivMod(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		twice := getInt128()
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(denom)
		putInt128(twice)

		switch roundingMode {
		case RoundDown:
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfUp:
			if cmp >= 0 {
				quotient.Add(quotient, big.NewInt(1))
			}
		case RoundHalfEven:
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		case RoundTowardZero:
			if numerator.Sign() < 0 {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// Add returns a + b, failing on int64 overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b. A negative result is an underflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, ErrOverflow
	}
	if diff < 0 {
		return 0, fmt.Errorf("%d - %d: %w", a, b, ErrUnderflow)
	}
	return diff, nil
}

// ScaleByBasisPoints computes a * rate / 10_000.
func (a Amount) ScaleByBasisPoints(rate BasisPoints, mode RoundingMode) (Amount, error) {
	product := MultiplyInt128(int64(a), int64(rate))
	defer putInt128(product)

	v, err := DivideInt128(product, BasisPointConfig.Scale, mode)
	return Amount(v), err
}

// ScaleByMicroFraction computes a * rate / 1_000_000.
func (a Amount) ScaleByMicroFraction(rate MicroRate, mode RoundingMode) (Amount, error) {
	product := MultiplyInt128(int64(a), int64(rate))
	defer putInt128(product)

	v, err := DivideInt128(product, MicroConfig.Scale, mode)
	return Amount(v), err
}

// DecimalString renders the amount in major units with round-half-up to
// precision places. This is the only place an amount is rounded implicitly.
func (a Amount) DecimalString(precision int) string {
	return halfUpString(decimal.New(int64(a), -int32(AmountConfig.DecimalPrecision)), precision)
}

func (a Amount) String() string {
	return a.DecimalString(AmountConfig.DecimalPrecision)
}

// ToMicro converts basis points to micro-fractions. Exact.
func (bp BasisPoints) ToMicro() MicroRate {
	return MicroRate(int64(bp) * (MicroConfig.Scale / BasisPointConfig.Scale))
}

// PercentString renders basis points as a percentage, e.g. 1250 -> "12.50".
func (bp BasisPoints) PercentString(precision int) string {
	return halfUpString(decimal.New(int64(bp), -2), precision)
}

// ToBasisPoints converts micro-fractions to basis points with the given rounding.
func (m MicroRate) ToBasisPoints(mode RoundingMode) (BasisPoints, error) {
	n := getInt128()
	defer putInt128(n)
	n.SetInt64(int64(m))

	v, err := DivideInt128(n, MicroConfig.Scale/BasisPointConfig.Scale, mode)
	return BasisPoints(v), err
}

// PercentString renders the rate as a percentage, e.g. 250_000 -> "25.00".
func (m MicroRate) PercentString(precision int) string {
	return halfUpString(decimal.New(int64(m), -4), precision)
}

// halfUpString rounds toward +inf on ties: shift, add one half, floor, shift back.
func halfUpString(d decimal.Decimal, precision int) string {
	if precision < 0 {
		precision = 0
	}
	half := decimal.New(5, -1)
	rounded := d.Shift(int32(precision)).Add(half).Floor().Shift(-int32(precision))
	return rounded.StringFixed(int32(precision))
}
