package math

import (
	"fmt"
	"math/big"
)

// DaysPerYear is the day-count basis for annualized yields.
const DaysPerYear = 365

// ValidateDiscountRate rejects rates outside [0, 100%).
func ValidateDiscountRate(rate MicroRate) error {
	if rate < 0 || int64(rate) >= MicroConfig.Scale {
		return fmt.Errorf("discount rate %d micro: %w", rate, ErrInvalidRate)
	}
	return nil
}

// FundingAmount calculates face * (1 - rate), rounded down so the pool never overpays.
func FundingAmount(faceValue Amount, discountRate MicroRate) (Amount, error) {
	if faceValue <= 0 {
		return 0, fmt.Errorf("face value %d: %w", faceValue, ErrInvalidAmount)
	}
	if err := ValidateDiscountRate(discountRate); err != nil {
		return 0, err
	}

	return faceValue.ScaleByMicroFraction(MicroRate(MicroConfig.Scale)-discountRate, RoundDown)
}

// ExpectedRepayment calculates funding / (1 - rate), rounded up so the pool never under-collects.
func ExpectedRepayment(fundingAmount Amount, discountRate MicroRate) (Amount, error) {
	if fundingAmount < 0 {
		return 0, fmt.Errorf("funding amount %d: %w", fundingAmount, ErrInvalidAmount)
	}
	if err := ValidateDiscountRate(discountRate); err != nil {
		return 0, err
	}

	numerator := MultiplyInt128(int64(fundingAmount), MicroConfig.Scale)
	defer putInt128(numerator)

	v, err := DivideInt128(numerator, MicroConfig.Scale-int64(discountRate), RoundUp)
	return Amount(v), err
}

// EffectiveAPY calculates (profit / principal) * (365 / holdingDays) as a
// micro-fraction, truncated toward zero. A loss yields a negative rate.
func EffectiveAPY(profit, principal Amount, holdingDays int64) (MicroRate, error) {
	if principal == 0 || holdingDays == 0 {
		return 0, ErrDivisionByZero
	}
	if principal < 0 || holdingDays < 0 {
		return 0, fmt.Errorf("principal %d over %d days: %w", principal, holdingDays, ErrInvalidAmount)
	}

	// numerator = profit * 1e6 * 365
	numerator := MultiplyInt128(int64(profit), MicroConfig.Scale)
	defer putInt128(numerator)
	numerator.Mul(numerator, big.NewInt(DaysPerYear))

	// denominator = principal * holdingDays
	denominator := MultiplyInt128(int64(principal), holdingDays)
	defer putInt128(denominator)

	quotient := getInt128()
	defer putInt128(quotient)
	quotient.Quo(numerator, denominator)

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return MicroRate(quotient.Int64()), nil
}

// SettlementStatus reports whether gains on an invoice have been realized.
type SettlementStatus interface {
	Settled() bool
}

// SplitGains returns (realized, unrealized). Only a settled invoice realizes
// its actual profit; everything else carries the expected profit as unrealized.
func SplitGains(status SettlementStatus, expectedProfit, actualProfit Amount) (realized, unrealized Amount) {
	if status != nil && status.Settled() {
		return actualProfit, 0
	}
	return 0, expectedProfit
}
