package ledger

import (
	"time"

	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
)

// Invoice is the persisted invoice record. Terms (face value, discount,
// APR, due date) are editable only while SUBMITTED.
type Invoice struct {
	ID           uuid.UUID
	FaceValue    fpmath.Amount
	DiscountRate fpmath.MicroRate
	APR          fpmath.BasisPoints
	DueAt        time.Time
	CreatedAt    time.Time
	State        lifecycle.State
	PayerRef     string
	IssuerRef    string

	// Set by Minted
	TokenID       string
	IssuerAddress string

	FullyFundedAt time.Time
	DisbursedAt   time.Time
	SettledAt     time.Time
	UpdatedAt     time.Time

	// Incremented by every committed mutation
	Version int64
}

// FundingAmount is face value less discount, rounded down.
func (inv *Invoice) FundingAmount() (fpmath.Amount, error) {
	return fpmath.FundingAmount(inv.FaceValue, inv.DiscountRate)
}

// ExpectedRepayment grosses the funding amount back up, rounded up.
func (inv *Invoice) ExpectedRepayment() (fpmath.Amount, error) {
	funding, err := inv.FundingAmount()
	if err != nil {
		return 0, err
	}
	return fpmath.ExpectedRepayment(funding, inv.DiscountRate)
}

func (inv *Invoice) clone() *Invoice {
	if inv == nil {
		return nil
	}
	c := *inv
	return &c
}

// Terms are the listing parameters of an invoice.
type Terms struct {
	FaceValue    fpmath.Amount
	DiscountRate fpmath.MicroRate
	APR          fpmath.BasisPoints
	DueAt        time.Time
}

// NewInvoice is the input to RegisterInvoice.
type NewInvoice struct {
	ID        uuid.UUID // generated when zero
	Terms     Terms
	PayerRef  string
	IssuerRef string
}

// Contribution is one investor funding an invoice. Append-only.
type Contribution struct {
	InvoiceID uuid.UUID
	Investor  string
	Amount    fpmath.Amount
	FundedAt  time.Time
	TxHash    string
}

// Repayment is one payer deposit. Append-only.
type Repayment struct {
	InvoiceID   uuid.UUID
	Amount      fpmath.Amount
	DepositedAt time.Time
	TxHash      string
}

// StateChange is an audit row for a persisted transition.
type StateChange struct {
	InvoiceID uuid.UUID
	From      lifecycle.State
	To        lifecycle.State
	Trigger   lifecycle.Trigger
	Reference string // tx hash or operator reference
	At        time.Time
}

// Verification is the evidence required by Approve.
type Verification struct {
	IssuerVerified bool
	PayerVerified  bool
}

// Book is a consistent snapshot of one invoice and its append-only records.
type Book struct {
	Invoice       *Invoice
	Contributions []Contribution
	Repayments    []Repayment
}

// TotalFunded sums contributions.
func (b *Book) TotalFunded() fpmath.Amount {
	var sum fpmath.Amount
	for _, c := range b.Contributions {
		sum += c.Amount
	}
	return sum
}

// TotalRepaid sums repayment deposits.
func (b *Book) TotalRepaid() fpmath.Amount {
	var sum fpmath.Amount
	for _, r := range b.Repayments {
		sum += r.Amount
	}
	return sum
}

// InvestorContributions filters contributions for one investor.
func (b *Book) InvestorContributions(investor string) []Contribution {
	var out []Contribution
	for _, c := range b.Contributions {
		if c.Investor == investor {
			out = append(out, c)
		}
	}
	return out
}

// Shares returns contributions as distribution shares.
func (b *Book) Shares() []fpmath.InvestorShare {
	shares := make([]fpmath.InvestorShare, 0, len(b.Contributions))
	for _, c := range b.Contributions {
		shares = append(shares, fpmath.InvestorShare{Investor: c.Investor, Funded: c.Amount})
	}
	return shares
}
