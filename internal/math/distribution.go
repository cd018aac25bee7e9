package math

import (
	"fmt"
	"sort"
)

// Distribution is the settlement payout of one invoice across its investors.
type Distribution struct {
	TotalFunded Amount
	TotalRepaid Amount
	Payouts     []InvestorPayout
	Residual    Amount // Rounding remainder retained by the pool
}

type InvestorPayout struct {
	Investor  string
	Principal Amount
	Payout    Amount
	Gain      Amount // Payout - Principal
}

// InvestorShare is one contribution (or the sum of several) by an investor.
type InvestorShare struct {
	Investor string
	Funded   Amount
}

// ProRataShare calculates floor(total * part / whole).
func ProRataShare(total, part, whole Amount) (Amount, error) {
	if whole == 0 {
		return 0, ErrDivisionByZero
	}
	if total < 0 || part < 0 || whole < 0 || part > whole {
		return 0, fmt.Errorf("pro-rata %d*%d/%d: %w", total, part, whole, ErrInvalidAmount)
	}

	product := MultiplyInt128(int64(total), int64(part))
	defer putInt128(product)

	v, err := DivideInt128(product, int64(whole), RoundDown)
	return Amount(v), err
}

// ComputeDistribution splits totalRepaid across investors in proportion to
// what each funded. Shares for the same investor are merged.
func ComputeDistribution(totalRepaid Amount, shares []InvestorShare) (*Distribution, error) {
	if totalRepaid < 0 {
		return nil, fmt.Errorf("total repaid %d: %w", totalRepaid, ErrInvalidAmount)
	}

	merged := make(map[string]Amount, len(shares))
	var totalFunded Amount
	for _, s := range shares {
		if s.Funded <= 0 {
			return nil, fmt.Errorf("share for %s is %d: %w", s.Investor, s.Funded, ErrInvalidAmount)
		}
		var err error
		if merged[s.Investor], err = merged[s.Investor].Add(s.Funded); err != nil {
			return nil, err
		}
		if totalFunded, err = totalFunded.Add(s.Funded); err != nil {
			return nil, err
		}
	}
	if totalFunded == 0 {
		return nil, ErrDivisionByZero
	}

	// Sort investors for deterministic ordering
	investors := make([]string, 0, len(merged))
	for inv := range merged {
		investors = append(investors, inv)
	}
	sort.Strings(investors)

	payouts := make([]InvestorPayout, 0, len(investors))
	var paid Amount
	for _, inv := range investors {
		principal := merged[inv]
		payout, err := ProRataShare(totalRepaid, principal, totalFunded)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, InvestorPayout{
			Investor:  inv,
			Principal: principal,
			Payout:    payout,
			Gain:      payout - principal,
		})
		paid += payout
	}

	return &Distribution{
		TotalFunded: totalFunded,
		TotalRepaid: totalRepaid,
		Payouts:     payouts,
		Residual:    totalRepaid - paid,
	}, nil
}
