package query

import (
	"time"

	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
)

// Money crosses the API as integer minor units plus a display string.
type Money struct {
	Minor   int64  `json:"minor"`
	Display string `json:"display"`
}

func money(a fpmath.Amount) Money {
	return Money{Minor: int64(a), Display: a.DecimalString(2)}
}

// Rate carries a micro-fraction rate and its percent rendering.
type Rate struct {
	Micro   int64  `json:"micro"`
	Percent string `json:"percent"`
}

func microRate(r fpmath.MicroRate) Rate {
	return Rate{Micro: int64(r), Percent: r.PercentString(2)}
}

// InvoiceStatusResponse is the read model of one invoice.
type InvoiceStatusResponse struct {
	InvoiceID         uuid.UUID `json:"invoice_id"`
	TokenID           string    `json:"token_id,omitempty"`
	PersistedState    string    `json:"persisted_state"`
	Status            string    `json:"status"` // persisted state plus OVERDUE overlay
	FaceValue         Money     `json:"face_value"`
	DiscountRate      Rate      `json:"discount_rate"`
	APR               string    `json:"apr"`
	FundingAmount     Money     `json:"funding_amount"`
	Funded            Money     `json:"funded"`
	ProgressPct       int64     `json:"progress_pct"`
	Investors         int       `json:"investors"`
	ExpectedRepayment Money     `json:"expected_repayment"`
	Repaid            Money     `json:"repaid"`
	DueAt             time.Time `json:"due_at"`
	Version           int64     `json:"version"`
	AsOf              time.Time `json:"as_of"`
}

// PositionResponse is one investor's view of one invoice.
type PositionResponse struct {
	InvoiceID         uuid.UUID `json:"invoice_id"`
	Investor          string    `json:"investor"`
	Status            string    `json:"status"`
	Funded            Money     `json:"funded"`
	ExpectedRepayment Money     `json:"expected_repayment"`
	ActualRepayment   Money     `json:"actual_repayment"`
	RealizedGain      Money     `json:"realized_gain"`
	UnrealizedGain    Money     `json:"unrealized_gain"`
	HoldingDays       int64     `json:"holding_days"`
	EffectiveAPY      *Rate     `json:"effective_apy,omitempty"` // nil for same-day positions
	FirstFundedAt     time.Time `json:"first_funded_at"`
}

// PortfolioResponse aggregates every position of an investor.
type PortfolioResponse struct {
	Investor       string             `json:"investor"`
	Positions      []PositionResponse `json:"positions"`
	TotalFunded    Money              `json:"total_funded"`
	RealizedGain   Money              `json:"realized_gain"`
	UnrealizedGain Money              `json:"unrealized_gain"`
	AsOf           time.Time          `json:"as_of"`
}

// StateChangeEntry is one row of an invoice's transition history.
type StateChangeEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	Reference string    `json:"reference"`
	At        time.Time `json:"at"`
}

// IntegrityReport is the result of an invariant sweep over all invoices.
type IntegrityReport struct {
	IsHealthy  bool        `json:"is_healthy"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// Violation names one invoice that breaks a ledger invariant.
type Violation struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Rule      string    `json:"rule"`
	Detail    string    `json:"detail"`
}
