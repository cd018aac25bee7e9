package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = fpmath.Amount(1_000_000)

var (
	t0    = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	due   = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	grace = 30 * 24 * time.Hour
)

// ============================================================================
// Helpers
// ============================================================================

func newTestLedger(t *testing.T, policy ledger.RepaymentPolicy) (*ledger.FundingLedger, *ledger.MemoryStore, *lifecycle.FixedClock) {
	t.Helper()
	store := ledger.NewMemoryStore()
	clock := lifecycle.NewFixedClock(t0)
	l := ledger.NewFundingLedger(store, ledger.Options{
		Clock:       clock,
		GracePeriod: grace,
		Policy:      policy,
		Logger:      zerolog.Nop(),
	})
	return l, store, clock
}

// mustListed registers a 50,000 invoice at a 16% discount (funding 42,000) and approves it.
func mustListed(t *testing.T, l *ledger.FundingLedger) *ledger.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := l.RegisterInvoice(ctx, ledger.NewInvoice{
		Terms: ledger.Terms{
			FaceValue:    50_000 * unit,
			DiscountRate: 160_000,
			APR:          1200,
			DueAt:        due,
		},
		PayerRef:  "payer-1",
		IssuerRef: "issuer-1",
	})
	require.NoError(t, err)

	_, err = l.Approve(ctx, inv.ID, ledger.Verification{IssuerVerified: true, PayerVerified: true}, "kyc-1")
	require.NoError(t, err)
	return inv
}

func mustFund(t *testing.T, l *ledger.FundingLedger, id uuid.UUID, investor string, amt fpmath.Amount, tx string) *ledger.ContributionResult {
	t.Helper()
	res, err := l.RecordContribution(context.Background(), ledger.Contribution{
		InvoiceID: id, Investor: investor, Amount: amt, FundedAt: t0, TxHash: tx,
	})
	require.NoError(t, err)
	return res
}

func mustDisbursed(t *testing.T, l *ledger.FundingLedger) *ledger.Invoice {
	t.Helper()
	inv := mustListed(t, l)
	mustFund(t, l, inv.ID, "0xaaa", 27_300*unit, "0xf1")
	mustFund(t, l, inv.ID, "0xbbb", 14_700*unit, "0xf2")
	_, err := l.Disburse(context.Background(), inv.ID, "wire-1")
	require.NoError(t, err)
	return inv
}

func kinds(events []event.DomainEvent) []event.DomainEventKind {
	out := make([]event.DomainEventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

// ============================================================================
// Test: Registration and terms
// ============================================================================

func TestRegisterInvoice_StartsSubmitted(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)

	inv, err := l.RegisterInvoice(context.Background(), ledger.NewInvoice{
		Terms: ledger.Terms{FaceValue: 1000 * unit, DiscountRate: 50_000, DueAt: due},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, inv.ID)
	assert.Equal(t, lifecycle.StateSubmitted, inv.State)

	stored, err := store.LoadInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, t0, stored.CreatedAt)
}

func TestRegisterInvoice_InvalidTerms(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	ctx := context.Background()

	_, err := l.RegisterInvoice(ctx, ledger.NewInvoice{Terms: ledger.Terms{FaceValue: 0, DueAt: due}})
	assert.ErrorIs(t, err, fpmath.ErrInvalidAmount)

	_, err = l.RegisterInvoice(ctx, ledger.NewInvoice{Terms: ledger.Terms{FaceValue: unit, DiscountRate: 1_000_000, DueAt: due}})
	assert.ErrorIs(t, err, fpmath.ErrInvalidRate)

	_, err = l.RegisterInvoice(ctx, ledger.NewInvoice{Terms: ledger.Terms{FaceValue: unit}})
	assert.Error(t, err)
}

func TestUpdateTerms_FrozenAfterListing(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	ctx := context.Background()

	inv, err := l.RegisterInvoice(ctx, ledger.NewInvoice{
		Terms: ledger.Terms{FaceValue: 1000 * unit, DiscountRate: 50_000, DueAt: due},
	})
	require.NoError(t, err)

	updated, err := l.UpdateTerms(ctx, inv.ID, ledger.Terms{FaceValue: 2000 * unit, DiscountRate: 60_000, DueAt: due})
	require.NoError(t, err)
	assert.Equal(t, 2000*unit, updated.FaceValue)

	_, err = l.Approve(ctx, inv.ID, ledger.Verification{IssuerVerified: true, PayerVerified: true}, "kyc")
	require.NoError(t, err)

	_, err = l.UpdateTerms(ctx, inv.ID, ledger.Terms{FaceValue: 3000 * unit, DueAt: due})
	assert.ErrorIs(t, err, ledger.ErrTermsFrozen)
}

func TestApprove_RequiresVerification(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	ctx := context.Background()

	inv, err := l.RegisterInvoice(ctx, ledger.NewInvoice{
		Terms: ledger.Terms{FaceValue: 1000 * unit, DueAt: due},
	})
	require.NoError(t, err)

	_, err = l.Approve(ctx, inv.ID, ledger.Verification{IssuerVerified: true}, "kyc")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	var verr *ledger.ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, inv.ID, verr.InvoiceID)
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestRecordContribution_FillsExactly(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)

	first := mustFund(t, l, inv.ID, "0xaaa", 27_300*unit, "0xf1")
	assert.Equal(t, lifecycle.StatePartiallyFunded, first.State)
	assert.Equal(t, int64(65), first.ProgressPct)
	assert.Equal(t, 42_000*unit, first.FundingAmount)

	second := mustFund(t, l, inv.ID, "0xbbb", 14_700*unit, "0xf2")
	assert.Equal(t, lifecycle.StateFullyFunded, second.State)
	assert.Equal(t, int64(100), second.ProgressPct)
	assert.Equal(t, 42_000*unit, second.Cumulative)
	assert.Contains(t, kinds(second.Events), event.DomainEventFullyFunded)

	_, err := l.RecordContribution(context.Background(), ledger.Contribution{
		InvoiceID: inv.ID, Investor: "0xccc", Amount: unit, FundedAt: t0, TxHash: "0xf3",
	})
	assert.ErrorIs(t, err, ledger.ErrOverfundingRejected)

	book, err := store.LoadBook(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Len(t, book.Contributions, 2)
	assert.Equal(t, 42_000*unit, book.TotalFunded())
	assert.Equal(t, t0, book.Invoice.FullyFundedAt)
}

func TestRecordContribution_ProgressFloors(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)

	assert.Equal(t, int64(0), mustFund(t, l, inv.ID, "0xaaa", 1, "0xf1").ProgressPct)

	// 41,999.999999 of 42,000 is still 99%
	res := mustFund(t, l, inv.ID, "0xbbb", 42_000*unit-2, "0xf2")
	assert.Equal(t, int64(99), res.ProgressPct)
	assert.Equal(t, lifecycle.StatePartiallyFunded, res.State)

	res = mustFund(t, l, inv.ID, "0xccc", 1, "0xf3")
	assert.Equal(t, int64(100), res.ProgressPct)
	assert.Equal(t, lifecycle.StateFullyFunded, res.State)
}

func TestRecordContribution_PartialSelfLoopHasNoAuditRow(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)

	mustFund(t, l, inv.ID, "0xaaa", 1_000*unit, "0xf1")
	res := mustFund(t, l, inv.ID, "0xaaa", 1_000*unit, "0xf2")
	assert.Empty(t, res.Events)

	history, err := store.StateHistory(context.Background(), inv.ID)
	require.NoError(t, err)
	// Approve + LISTED->PARTIALLY_FUNDED
	assert.Len(t, history, 2)
}

func TestRecordContribution_OverfundingLeavesStateUnchanged(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)
	mustFund(t, l, inv.ID, "0xaaa", 40_000*unit, "0xf1")

	_, err := l.RecordContribution(context.Background(), ledger.Contribution{
		InvoiceID: inv.ID, Investor: "0xbbb", Amount: 2_001 * unit, FundedAt: t0, TxHash: "0xf2",
	})
	require.ErrorIs(t, err, ledger.ErrOverfundingRejected)
	assert.True(t, ledger.IsBusinessViolation(err))

	var verr *ledger.ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "0xf2", verr.TxHash)
	assert.Equal(t, 2_001*unit, verr.Amount)

	book, err := store.LoadBook(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePartiallyFunded, book.Invoice.State)
	assert.Equal(t, 40_000*unit, book.TotalFunded())

	applied, err := store.IsApplied(context.Background(), "0xf2")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRecordContribution_Duplicate(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)
	mustFund(t, l, inv.ID, "0xaaa", 1_000*unit, "0xf1")

	_, err := l.RecordContribution(context.Background(), ledger.Contribution{
		InvoiceID: inv.ID, Investor: "0xaaa", Amount: 1_000 * unit, FundedAt: t0, TxHash: "0xf1",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
	assert.False(t, ledger.IsBusinessViolation(err))

	book, err := store.LoadBook(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1_000*unit, book.TotalFunded())
}

func TestRecordContribution_RejectsBeforeListingAndNonPositive(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	ctx := context.Background()

	inv, err := l.RegisterInvoice(ctx, ledger.NewInvoice{
		Terms: ledger.Terms{FaceValue: 1000 * unit, DueAt: due},
	})
	require.NoError(t, err)

	_, err = l.RecordContribution(ctx, ledger.Contribution{InvoiceID: inv.ID, Amount: unit, TxHash: "0x1"})
	assert.ErrorIs(t, err, ledger.ErrNotListed)

	_, err = l.RecordContribution(ctx, ledger.Contribution{InvoiceID: inv.ID, Amount: 0, TxHash: "0x2"})
	assert.ErrorIs(t, err, fpmath.ErrInvalidAmount)

	_, err = l.RecordContribution(ctx, ledger.Contribution{InvoiceID: uuid.New(), Amount: unit, TxHash: "0x3"})
	assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)
}

func TestRecordContribution_ConcurrentNeverOverfunds(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)

	// 50 contributions of 1,000 against a 42,000 cap
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.RecordContribution(context.Background(), ledger.Contribution{
				InvoiceID: inv.ID,
				Investor:  fmt.Sprintf("0x%03d", i),
				Amount:    1_000 * unit,
				FundedAt:  t0,
				TxHash:    fmt.Sprintf("0xtx%03d", i),
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrOverfundingRejected)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 42, accepted)
	book, err := store.LoadBook(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 42_000*unit, book.TotalFunded())
	assert.Equal(t, lifecycle.StateFullyFunded, book.Invoice.State)
}

// ============================================================================
// Test: Disbursement and repayment
// ============================================================================

func TestDisburse_ImmediatePolicyOpensWindow(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustDisbursed(t, l)

	got, err := store.LoadInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePendingRepayment, got.State)
	assert.Equal(t, t0, got.DisbursedAt)
}

func TestDisburse_RequiresPayout(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)
	mustFund(t, l, inv.ID, "0xaaa", 42_000*unit, "0xf1")

	_, err := l.Disburse(context.Background(), inv.ID, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestRecordRepayment_Premature(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)
	mustFund(t, l, inv.ID, "0xaaa", 42_000*unit, "0xf1")

	_, err := l.RecordRepayment(context.Background(), ledger.Repayment{
		InvoiceID: inv.ID, Amount: unit, DepositedAt: t0, TxHash: "0xr1",
	})
	assert.ErrorIs(t, err, ledger.ErrPrematureRepayment)
}

func TestRecordRepayment_DisbursedOpensWindowFirst(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowDueDate)
	inv := mustDisbursed(t, l)

	got, err := store.LoadInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateDisbursed, got.State)

	res, err := l.RecordRepayment(context.Background(), ledger.Repayment{
		InvoiceID: inv.ID, Amount: 20_000 * unit, DepositedAt: t0, TxHash: "0xr1",
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePendingRepayment, res.State)
	assert.Equal(t, 50_000*unit, res.ExpectedRepayment)

	history, err := store.StateHistory(context.Background(), inv.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, lifecycle.TriggerOpenRepaymentWindow, last.Trigger)
	assert.Equal(t, "0xr1", last.Reference)
}

func TestRecordRepayment_FullyPaidThenSettle(t *testing.T) {
	l, store, clock := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustDisbursed(t, l)
	ctx := context.Background()

	res, err := l.RecordRepayment(ctx, ledger.Repayment{InvoiceID: inv.ID, Amount: 30_000 * unit, DepositedAt: t0, TxHash: "0xr1"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePendingRepayment, res.State)

	res, err = l.RecordRepayment(ctx, ledger.Repayment{InvoiceID: inv.ID, Amount: 20_000 * unit, DepositedAt: t0, TxHash: "0xr2"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFullyPaid, res.State)
	assert.Equal(t, 50_000*unit, res.Cumulative)

	_, err = l.RecordRepayment(ctx, ledger.Repayment{InvoiceID: inv.ID, Amount: unit, DepositedAt: t0, TxHash: "0xr3"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	clock.Advance(time.Hour)
	settled, err := l.Settle(ctx, inv.ID, "payout-batch-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSettled, settled.Invoice.State)
	assert.Equal(t, t0.Add(time.Hour), settled.Invoice.SettledAt)

	var dist *fpmath.Distribution
	for _, e := range settled.Events {
		if e.Kind == event.DomainEventSettled {
			dist = e.Distribution
		}
	}
	require.NotNil(t, dist)
	require.Len(t, dist.Payouts, 2)
	assert.Equal(t, "0xaaa", dist.Payouts[0].Investor)
	assert.Equal(t, 32_500*unit, dist.Payouts[0].Payout)
	assert.Equal(t, 17_500*unit, dist.Payouts[1].Payout)
	assert.Equal(t, fpmath.Amount(0), dist.Residual)

	got, err := store.LoadInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, got.State.IsTerminal())
}

func TestSettle_RequiresFullyPaid(t *testing.T) {
	l, _, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustDisbursed(t, l)

	_, err := l.Settle(context.Background(), inv.ID, "early")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

// ============================================================================
// Test: Default
// ============================================================================

func TestMarkDefault_RespectsGrace(t *testing.T) {
	l, store, clock := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustDisbursed(t, l)
	ctx := context.Background()

	clock.Set(due.Add(grace))
	_, err := l.MarkDefault(ctx, inv.ID, "ops-1")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	clock.Set(due.Add(grace + time.Second))
	res, err := l.MarkDefault(ctx, inv.ID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDefaulted, res.Invoice.State)
	assert.Contains(t, kinds(res.Events), event.DomainEventDefaulted)

	_, err = l.RecordRepayment(ctx, ledger.Repayment{InvoiceID: inv.ID, Amount: unit, DepositedAt: t0, TxHash: "0xlate"})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	got, err := store.LoadInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDefaulted, got.State)
}

// ============================================================================
// Test: Token linking
// ============================================================================

func TestLinkToken(t *testing.T) {
	l, store, _ := newTestLedger(t, ledger.RepaymentWindowImmediate)
	inv := mustListed(t, l)
	ctx := context.Background()

	_, err := l.LinkToken(ctx, ledger.LinkRequest{InvoiceID: inv.ID, TokenID: "7", IssuerAddress: "0xiss", TxHash: "0xm1"})
	require.NoError(t, err)

	byToken, err := store.InvoiceByToken(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, inv.ID, byToken.ID)
	assert.Equal(t, lifecycle.StateListed, byToken.State)

	_, err = l.LinkToken(ctx, ledger.LinkRequest{InvoiceID: inv.ID, TokenID: "7", TxHash: "0xm1"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	_, err = l.LinkToken(ctx, ledger.LinkRequest{InvoiceID: inv.ID, TokenID: "8", TxHash: "0xm2"})
	assert.ErrorIs(t, err, ledger.ErrTokenConflict)
}

func TestParseRepaymentPolicy(t *testing.T) {
	p, err := ledger.ParseRepaymentPolicy("due_date")
	require.NoError(t, err)
	assert.Equal(t, ledger.RepaymentWindowDueDate, p)

	p, err = ledger.ParseRepaymentPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ledger.RepaymentWindowImmediate, p)

	_, err = ledger.ParseRepaymentPolicy("never")
	assert.Error(t, err)
}
