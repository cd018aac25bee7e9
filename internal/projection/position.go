package projection

import (
	"errors"
	"fmt"
	"time"

	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
)

var ErrNoPosition = errors.New("investor has no position in invoice")

// PositionInput is everything a position is derived from. The projector
// does no I/O.
type PositionInput struct {
	Invoice       *ledger.Invoice
	Investor      string
	Contributions []ledger.Contribution // this investor's only
	TotalFunded   fpmath.Amount         // all investors
	TotalRepaid   fpmath.Amount
	Now           time.Time
	GracePeriod   time.Duration
}

// FromBook builds the input for one investor out of a ledger snapshot.
func FromBook(book *ledger.Book, investor string, now time.Time, grace time.Duration) PositionInput {
	return PositionInput{
		Invoice:       book.Invoice,
		Investor:      investor,
		Contributions: book.InvestorContributions(investor),
		TotalFunded:   book.TotalFunded(),
		TotalRepaid:   book.TotalRepaid(),
		Now:           now,
		GracePeriod:   grace,
	}
}

// Position is one investor's view of one invoice.
type Position struct {
	InvoiceID uuid.UUID
	Investor  string

	Funded            fpmath.Amount
	ExpectedRepayment fpmath.Amount // funded grossed up by the discount, rounded up
	ActualRepayment   fpmath.Amount // pro-rata share of deposits, rounded down

	RealizedGain   fpmath.Amount
	UnrealizedGain fpmath.Amount

	FirstFundedAt time.Time
	HoldingDays   int64

	// Zero with APYAvailable=false when held for less than a day
	EffectiveAPY fpmath.MicroRate
	APYAvailable bool

	State  lifecycle.State
	Status lifecycle.DisplayStatus
}

// ProjectPosition derives a Position from in.
func ProjectPosition(in PositionInput) (*Position, error) {
	inv := in.Invoice
	if inv == nil {
		return nil, fmt.Errorf("nil invoice: %w", ErrNoPosition)
	}

	var funded fpmath.Amount
	var first time.Time
	for _, c := range in.Contributions {
		var err error
		if funded, err = funded.Add(c.Amount); err != nil {
			return nil, err
		}
		if first.IsZero() || c.FundedAt.Before(first) {
			first = c.FundedAt
		}
	}
	if funded == 0 {
		return nil, fmt.Errorf("%s in %s: %w", in.Investor, inv.ID, ErrNoPosition)
	}

	expected, err := fpmath.ExpectedRepayment(funded, inv.DiscountRate)
	if err != nil {
		return nil, err
	}

	var actual fpmath.Amount
	if in.TotalRepaid > 0 {
		if actual, err = fpmath.ProRataShare(in.TotalRepaid, funded, in.TotalFunded); err != nil {
			return nil, err
		}
	}

	realized, unrealized := fpmath.SplitGains(inv.State, expected-funded, actual-funded)

	end := in.Now
	if inv.State.Settled() && !inv.SettledAt.IsZero() {
		end = inv.SettledAt
	}
	days := int64(end.Sub(first) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}

	pos := &Position{
		InvoiceID:         inv.ID,
		Investor:          in.Investor,
		Funded:            funded,
		ExpectedRepayment: expected,
		ActualRepayment:   actual,
		RealizedGain:      realized,
		UnrealizedGain:    unrealized,
		FirstFundedAt:     first,
		HoldingDays:       days,
		State:             inv.State,
		Status:            lifecycle.ResolveAt(inv.State, inv.DueAt, in.GracePeriod, in.Now),
	}

	apy, err := fpmath.EffectiveAPY(realized+unrealized, funded, days)
	switch {
	case errors.Is(err, fpmath.ErrDivisionByZero):
		// Same-day position; no annualized figure
	case err != nil:
		return nil, err
	default:
		pos.EffectiveAPY = apy
		pos.APYAvailable = true
	}
	return pos, nil
}
