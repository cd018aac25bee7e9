package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/projection"

	"github.com/google/uuid"
)

// QueryService provides read-only views over the ledger store. Every
// response is computed from one store snapshot per invoice, and display
// status is resolved against the injected clock.
type QueryService struct {
	store    ledger.Store
	resolver *lifecycle.Resolver
	metrics  *observability.Metrics
}

func NewQueryService(store ledger.Store, resolver *lifecycle.Resolver, metrics *observability.Metrics) *QueryService {
	return &QueryService{store: store, resolver: resolver, metrics: metrics}
}

// InvoiceStatus returns persisted and display status plus funding progress.
func (qs *QueryService) InvoiceStatus(ctx context.Context, id uuid.UUID) (*InvoiceStatusResponse, error) {
	defer qs.observe("invoice_status", time.Now())

	book, err := qs.store.LoadBook(ctx, id)
	if err != nil {
		return nil, err
	}
	return qs.statusOf(book)
}

// ListInvoices returns invoices in the given persisted states (all when empty).
func (qs *QueryService) ListInvoices(ctx context.Context, states ...lifecycle.State) ([]InvoiceStatusResponse, error) {
	defer qs.observe("list_invoices", time.Now())

	invoices, err := qs.store.ListInvoicesByState(ctx, states...)
	if err != nil {
		return nil, err
	}

	out := make([]InvoiceStatusResponse, 0, len(invoices))
	for _, inv := range invoices {
		book, err := qs.store.LoadBook(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		resp, err := qs.statusOf(book)
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, nil
}

// Position returns one investor's position in one invoice.
func (qs *QueryService) Position(ctx context.Context, id uuid.UUID, investor string) (*PositionResponse, error) {
	defer qs.observe("position", time.Now())

	book, err := qs.store.LoadBook(ctx, id)
	if err != nil {
		return nil, err
	}
	pos, err := projection.ProjectPosition(projection.FromBook(book, investor, qs.resolver.Now(), qs.resolver.GracePeriod()))
	if err != nil {
		return nil, err
	}
	resp := positionResponse(pos)
	return &resp, nil
}

// Portfolio returns every position of investor, ordered by first funding.
func (qs *QueryService) Portfolio(ctx context.Context, investor string) (*PortfolioResponse, error) {
	defer qs.observe("portfolio", time.Now())

	contributions, err := qs.store.ContributionsByInvestor(ctx, investor)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, c := range contributions {
		if !seen[c.InvoiceID] {
			seen[c.InvoiceID] = true
			ids = append(ids, c.InvoiceID)
		}
	}

	now := qs.resolver.Now()
	resp := &PortfolioResponse{Investor: investor, AsOf: now, Positions: make([]PositionResponse, 0, len(ids))}
	var funded, realized, unrealized fpmath.Amount
	for _, id := range ids {
		book, err := qs.store.LoadBook(ctx, id)
		if err != nil {
			return nil, err
		}
		pos, err := projection.ProjectPosition(projection.FromBook(book, investor, now, qs.resolver.GracePeriod()))
		if err != nil {
			return nil, err
		}
		funded += pos.Funded
		realized += pos.RealizedGain
		unrealized += pos.UnrealizedGain
		resp.Positions = append(resp.Positions, positionResponse(pos))
	}
	sort.SliceStable(resp.Positions, func(i, j int) bool {
		return resp.Positions[i].FirstFundedAt.Before(resp.Positions[j].FirstFundedAt)
	})

	resp.TotalFunded = money(funded)
	resp.RealizedGain = money(realized)
	resp.UnrealizedGain = money(unrealized)
	return resp, nil
}

// StateHistory returns the transition audit trail of an invoice.
func (qs *QueryService) StateHistory(ctx context.Context, id uuid.UUID) ([]StateChangeEntry, error) {
	defer qs.observe("state_history", time.Now())

	if _, err := qs.store.LoadInvoice(ctx, id); err != nil {
		return nil, err
	}
	history, err := qs.store.StateHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]StateChangeEntry, 0, len(history))
	for _, h := range history {
		out = append(out, StateChangeEntry{
			From:      h.From.String(),
			To:        h.To.String(),
			Trigger:   h.Trigger.String(),
			Reference: h.Reference,
			At:        h.At,
		})
	}
	return out, nil
}

// VerifyIntegrity checks the ledger invariants over every invoice:
// funding never exceeds the cap, repayments only exist after disbursement,
// and a FULLY_FUNDED-or-later invoice is funded exactly to the cap.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("verify_integrity", time.Now())

	invoices, err := qs.store.ListInvoicesByState(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{Checked: len(invoices)}
	for _, inv := range invoices {
		book, err := qs.store.LoadBook(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		cap, err := book.Invoice.FundingAmount()
		if err != nil {
			return nil, err
		}
		funded := book.TotalFunded()
		state := book.Invoice.State

		if funded > cap {
			report.Violations = append(report.Violations, Violation{
				InvoiceID: inv.ID, Rule: "funding_cap",
				Detail: fmt.Sprintf("funded %d exceeds %d", funded, cap),
			})
		}
		if state.IsFunded() && state != lifecycle.StateDefaulted && funded != cap {
			report.Violations = append(report.Violations, Violation{
				InvoiceID: inv.ID, Rule: "funded_exactly",
				Detail: fmt.Sprintf("%s with funded %d of %d", state, funded, cap),
			})
		}
		if len(book.Repayments) > 0 && !repaymentAllowed(state) {
			report.Violations = append(report.Violations, Violation{
				InvoiceID: inv.ID, Rule: "premature_repayment",
				Detail: fmt.Sprintf("%d repayments in %s", len(book.Repayments), state),
			})
		}
	}
	report.IsHealthy = len(report.Violations) == 0
	return report, nil
}

func (qs *QueryService) statusOf(book *ledger.Book) (*InvoiceStatusResponse, error) {
	inv := book.Invoice
	fundingAmount, err := inv.FundingAmount()
	if err != nil {
		return nil, err
	}
	expected, err := inv.ExpectedRepayment()
	if err != nil {
		return nil, err
	}
	funded := book.TotalFunded()

	progress, err := fpmath.ProRataShare(100, funded, fundingAmount)
	if err != nil {
		return nil, err
	}

	investors := make(map[string]bool)
	for _, c := range book.Contributions {
		investors[c.Investor] = true
	}

	return &InvoiceStatusResponse{
		InvoiceID:         inv.ID,
		TokenID:           inv.TokenID,
		PersistedState:    inv.State.String(),
		Status:            qs.resolver.Resolve(inv.State, inv.DueAt).String(),
		FaceValue:         money(inv.FaceValue),
		DiscountRate:      microRate(inv.DiscountRate),
		APR:               inv.APR.PercentString(2),
		FundingAmount:     money(fundingAmount),
		Funded:            money(funded),
		ProgressPct:       int64(progress),
		Investors:         len(investors),
		ExpectedRepayment: money(expected),
		Repaid:            money(book.TotalRepaid()),
		DueAt:             inv.DueAt,
		Version:           inv.Version,
		AsOf:              qs.resolver.Now(),
	}, nil
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func positionResponse(pos *projection.Position) PositionResponse {
	resp := PositionResponse{
		InvoiceID:         pos.InvoiceID,
		Investor:          pos.Investor,
		Status:            pos.Status.String(),
		Funded:            money(pos.Funded),
		ExpectedRepayment: money(pos.ExpectedRepayment),
		ActualRepayment:   money(pos.ActualRepayment),
		RealizedGain:      money(pos.RealizedGain),
		UnrealizedGain:    money(pos.UnrealizedGain),
		HoldingDays:       pos.HoldingDays,
		FirstFundedAt:     pos.FirstFundedAt,
	}
	if pos.APYAvailable {
		apy := microRate(pos.EffectiveAPY)
		resp.EffectiveAPY = &apy
	}
	return resp
}

func repaymentAllowed(s lifecycle.State) bool {
	switch s {
	case lifecycle.StatePendingRepayment, lifecycle.StateFullyPaid, lifecycle.StateSettled, lifecycle.StateDefaulted:
		return true
	}
	return false
}
