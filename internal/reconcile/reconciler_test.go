package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/reconcile"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unit = fpmath.Amount(1_000_000)

var (
	t0  = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	due = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
)

// ============================================================================
// Helpers
// ============================================================================

type recordingEmitter struct {
	mu     sync.Mutex
	events []event.DomainEvent
}

func (e *recordingEmitter) Emit(_ context.Context, events ...event.DomainEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, events...)
	return nil
}

func (e *recordingEmitter) ofKind(kind event.DomainEventKind) []event.DomainEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []event.DomainEvent
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	rec     *reconcile.Reconciler
	store   *ledger.MemoryStore
	clock   *lifecycle.FixedClock
	emitter *recordingEmitter
	metrics *observability.Metrics
}

func newFixture(t *testing.T, hold reconcile.HoldPolicy) *fixture {
	t.Helper()
	return newFixtureWith(t, reconcile.Config{Hold: hold})
}

func newFixtureWith(t *testing.T, cfg reconcile.Config) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	clock := lifecycle.NewFixedClock(t0)
	l := ledger.NewFundingLedger(store, ledger.Options{
		Clock:       clock,
		GracePeriod: 30 * 24 * time.Hour,
		Policy:      ledger.RepaymentWindowDueDate,
		Logger:      zerolog.Nop(),
	})
	emitter := &recordingEmitter{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg.LRUCapacity = 16
	rec := reconcile.NewReconciler(l, emitter, metrics, zerolog.Nop(), cfg)
	return &fixture{rec: rec, store: store, clock: clock, emitter: emitter, metrics: metrics}
}

func fixedHold(maxAttempts int) reconcile.HoldPolicy {
	return reconcile.HoldPolicy{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
	}
}

// mustListed registers and approves a 50,000 invoice at 16% (funding 42,000).
func (f *fixture) mustListed(t *testing.T) *ledger.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := f.rec.RegisterInvoice(ctx, ledger.NewInvoice{
		Terms: ledger.Terms{FaceValue: 50_000 * unit, DiscountRate: 160_000, DueAt: due},
	})
	require.NoError(t, err)
	_, err = f.rec.Approve(ctx, inv.ID, ledger.Verification{IssuerVerified: true, PayerVerified: true}, "kyc")
	require.NoError(t, err)
	return inv
}

func pos(block uint64, tx, log uint32) event.ChainPosition {
	return event.ChainPosition{BlockNumber: block, TxIndex: tx, LogIndex: log}
}

func minted(token string, id uuid.UUID, at event.ChainPosition) *event.Minted {
	return &event.Minted{
		Meta:      event.Meta{TxHash: "0xmint-" + token, Token: token, Actor: "0xissuer", Amount: 50_000 * unit, Chain: at, BlockTime: t0},
		InvoiceID: id,
	}
}

func funded(token, tx, investor string, amt fpmath.Amount, at event.ChainPosition) *event.Funded {
	return &event.Funded{Meta: event.Meta{TxHash: tx, Token: token, Actor: investor, Amount: amt, Chain: at, BlockTime: t0}}
}

func repaid(token, tx string, amt fpmath.Amount, at event.ChainPosition) *event.RepaymentDeposited {
	return &event.RepaymentDeposited{Meta: event.Meta{TxHash: tx, Token: token, Actor: "0xpayer", Amount: amt, Chain: at, BlockTime: t0}}
}

func (f *fixture) book(t *testing.T, id uuid.UUID) *ledger.Book {
	t.Helper()
	b, err := f.store.LoadBook(context.Background(), id)
	require.NoError(t, err)
	return b
}

// ============================================================================
// Test: Ordering
// ============================================================================

func TestApply_InOrder(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	for _, evt := range []event.Event{
		minted("7", inv.ID, pos(10, 0, 0)),
		funded("7", "0xf1", "0xaaa", 27_300*unit, pos(10, 0, 1)),
		funded("7", "0xf2", "0xbbb", 14_700*unit, pos(10, 0, 2)),
	} {
		outcome, err := f.rec.Apply(ctx, evt)
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeApplied, outcome)
	}

	b := f.book(t, inv.ID)
	assert.Equal(t, lifecycle.StateFullyFunded, b.Invoice.State)
	assert.Equal(t, 42_000*unit, b.TotalFunded())
	assert.Len(t, f.emitter.ofKind(event.DomainEventFullyFunded), 1)
	assert.Equal(t, float64(2), promtest.ToFloat64(f.metrics.EventsApplied.WithLabelValues("Funded")))
}

func TestApply_ReverseOrderWithinBlockConverges(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	reversed := []event.Event{
		funded("7", "0xf2", "0xbbb", 14_700*unit, pos(10, 0, 2)),
		funded("7", "0xf1", "0xaaa", 27_300*unit, pos(10, 0, 1)),
		minted("7", inv.ID, pos(10, 0, 0)),
	}

	outcome, err := f.rec.Apply(ctx, reversed[0])
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeHeld, outcome)

	outcome, err = f.rec.Apply(ctx, reversed[1])
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeHeld, outcome)
	assert.Equal(t, 2, f.rec.Parking().Len())

	outcome, err = f.rec.Apply(ctx, reversed[2])
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)

	b := f.book(t, inv.ID)
	assert.Equal(t, lifecycle.StateFullyFunded, b.Invoice.State)
	assert.Equal(t, 42_000*unit, b.TotalFunded())
	require.Len(t, b.Contributions, 2)
	assert.Equal(t, "0xf1", b.Contributions[0].TxHash)
	assert.Equal(t, 0, f.rec.Parking().Len())
}

func TestApplyBatch_SortsByPosition(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)

	results, err := f.rec.ApplyBatch(context.Background(), []event.Event{
		funded("9", "0xf2", "0xbbb", 14_700*unit, pos(11, 1, 0)),
		minted("9", inv.ID, pos(10, 4, 0)),
		funded("9", "0xf1", "0xaaa", 27_300*unit, pos(11, 0, 3)),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, reconcile.OutcomeApplied, r.Outcome)
	}
	assert.Equal(t, "0xmint-9", results[0].Event.IdempotencyKey())
	assert.Equal(t, lifecycle.StateFullyFunded, f.book(t, inv.ID).Invoice.State)
}

func TestApply_ReorderWindowSameBlockAtCap(t *testing.T) {
	orders := map[string][]string{
		"in order": {"0xa", "0xb"},
		"reversed": {"0xb", "0xa"},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixtureWith(t, reconcile.Config{Hold: fixedHold(5), ReorderWindow: 2 * time.Second})
			inv := f.mustListed(t)
			ctx := context.Background()

			outcome, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(9, 0, 0)))
			require.NoError(t, err)
			assert.Equal(t, reconcile.OutcomeHeld, outcome)
			f.clock.Advance(2 * time.Second)
			require.NoError(t, f.rec.RetryDue(ctx))
			require.Equal(t, 0, f.rec.Parking().Len())

			// Each fits alone; together they overfund 42,000
			events := map[string]event.Event{
				"0xa": funded("7", "0xa", "0xaaa", 30_000*unit, pos(10, 1, 0)),
				"0xb": funded("7", "0xb", "0xbbb", 30_000*unit, pos(10, 2, 0)),
			}
			for _, tx := range order {
				outcome, err := f.rec.Apply(ctx, events[tx])
				require.NoError(t, err)
				assert.Equal(t, reconcile.OutcomeHeld, outcome)
			}
			assert.Empty(t, f.book(t, inv.ID).Contributions)

			// Still inside the window
			f.clock.Advance(time.Second)
			require.NoError(t, f.rec.RetryDue(ctx))
			assert.Equal(t, 2, f.rec.Parking().Len())

			f.clock.Advance(time.Second)
			require.NoError(t, f.rec.RetryDue(ctx))
			assert.Equal(t, 0, f.rec.Parking().Len())

			b := f.book(t, inv.ID)
			require.Len(t, b.Contributions, 1)
			assert.Equal(t, "0xa", b.Contributions[0].TxHash)
			assert.Equal(t, 30_000*unit, b.TotalFunded())

			rejected := f.emitter.ofKind(event.DomainEventRejected)
			require.Len(t, rejected, 1)
			assert.Equal(t, "0xb", rejected[0].TxHash)
		})
	}
}

func TestApply_DirectApplyReleasesDeferredPredecessors(t *testing.T) {
	f := newFixtureWith(t, reconcile.Config{Hold: fixedHold(5), ReorderWindow: time.Minute})
	inv := f.mustListed(t)
	ctx := context.Background()

	outcome, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(9, 0, 0)))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeHeld, outcome)
	_, err = f.rec.Apply(ctx, funded("7", "0xb", "0xbbb", 30_000*unit, pos(10, 2, 0)))
	require.NoError(t, err)

	// A batch is complete: it skips the window and releases parked
	// events below each of its positions first.
	results, err := f.rec.ApplyBatch(ctx, []event.Event{
		funded("7", "0xa", "0xaaa", 30_000*unit, pos(10, 1, 0)),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, reconcile.OutcomeApplied, results[0].Outcome)

	b := f.book(t, inv.ID)
	require.Len(t, b.Contributions, 1)
	assert.Equal(t, "0xa", b.Contributions[0].TxHash)
	require.Len(t, f.rec.Parking().Pending("7"), 1)
	assert.Equal(t, "0xb", f.rec.Parking().Pending("7")[0].Event.IdempotencyKey())
}

func TestApply_LateEventIsReported(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(9, 0, 0)))
	require.NoError(t, err)
	outcome, err := f.rec.Apply(ctx, funded("7", "0xb", "0xbbb", 30_000*unit, pos(10, 2, 0)))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)

	outcome, err = f.rec.Apply(ctx, funded("7", "0xa", "0xaaa", 30_000*unit, pos(10, 1, 0)))
	assert.Equal(t, reconcile.OutcomeUnresolved, outcome)
	assert.ErrorIs(t, err, reconcile.ErrLateEvent)
	assert.ErrorIs(t, err, reconcile.ErrUnresolvedEvent)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.EventsLate.WithLabelValues("Funded")))

	b := f.book(t, inv.ID)
	require.Len(t, b.Contributions, 1)
	assert.Equal(t, "0xb", b.Contributions[0].TxHash)

	unresolved := f.rec.ListUnresolved()
	require.Len(t, unresolved, 1)
	assert.Equal(t, "0xa", unresolved[0].Event.IdempotencyKey())
	assert.Contains(t, unresolved[0].LastError, "below")
	require.Len(t, f.emitter.ofKind(event.DomainEventUnresolved), 1)

	// Redelivery stays unresolved
	outcome, err = f.rec.Apply(ctx, funded("7", "0xa", "0xaaa", 30_000*unit, pos(10, 1, 0)))
	assert.Equal(t, reconcile.OutcomeUnresolved, outcome)
	assert.ErrorIs(t, err, reconcile.ErrUnresolvedEvent)

	// An operator retry applies it at its own position
	outcome, err = f.rec.RetryUnresolved(ctx, "0xa")
	assert.Equal(t, reconcile.OutcomeRejected, outcome)
	assert.ErrorIs(t, err, ledger.ErrOverfundingRejected)
	assert.Empty(t, f.rec.ListUnresolved())
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestApply_DuplicateReplayIsNoop(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(1, 0, 0)))
	require.NoError(t, err)
	evt := funded("7", "0xf1", "0xaaa", 1_000*unit, pos(2, 0, 0))

	outcome, err := f.rec.Apply(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = f.rec.Apply(ctx, evt)
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeDuplicate, outcome)
	}
	assert.Equal(t, 1_000*unit, f.book(t, inv.ID).TotalFunded())
}

func TestApply_DuplicateAfterLRUEviction(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(1, 0, 0)))
	require.NoError(t, err)

	first := funded("7", "0xfirst", "0xaaa", unit, pos(2, 0, 0))
	_, err = f.rec.Apply(ctx, first)
	require.NoError(t, err)

	// Push the first hash out of a 16-entry LRU
	for i := 0; i < 20; i++ {
		_, err := f.rec.Apply(ctx, funded("7", "0xfill"+string(rune('a'+i)), "0xbbb", unit, pos(3, uint32(i), 0)))
		require.NoError(t, err)
	}

	outcome, err := f.rec.Apply(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, outcome)
	assert.Equal(t, 21*unit, f.book(t, inv.ID).TotalFunded())
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.IdempotencyDuplicates.WithLabelValues("Funded", "store")))
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestApply_OverfundingRejected(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(1, 0, 0)))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, funded("7", "0xf1", "0xaaa", 42_000*unit, pos(2, 0, 0)))
	require.NoError(t, err)

	outcome, err := f.rec.Apply(ctx, funded("7", "0xf2", "0xbbb", unit, pos(3, 0, 0)))
	assert.Equal(t, reconcile.OutcomeRejected, outcome)
	assert.ErrorIs(t, err, ledger.ErrOverfundingRejected)

	rejected := f.emitter.ofKind(event.DomainEventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, inv.ID, rejected[0].InvoiceID)
	assert.Equal(t, "0xf2", rejected[0].TxHash)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.EventsRejected.WithLabelValues("Funded", "overfunding")))
}

// ============================================================================
// Test: Holding
// ============================================================================

func TestApply_PrematureRepaymentResumesOnDisburse(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, minted("7", inv.ID, pos(1, 0, 0)))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, funded("7", "0xf1", "0xaaa", 42_000*unit, pos(2, 0, 0)))
	require.NoError(t, err)

	outcome, err := f.rec.Apply(ctx, repaid("7", "0xr1", 50_000*unit, pos(3, 0, 0)))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeHeld, outcome)

	_, err = f.rec.Disburse(ctx, inv.ID, "wire-1")
	require.NoError(t, err)

	b := f.book(t, inv.ID)
	assert.Equal(t, lifecycle.StateFullyPaid, b.Invoice.State)
	assert.Equal(t, 50_000*unit, b.TotalRepaid())
	assert.Equal(t, 0, f.rec.Parking().Len())
}

func TestApply_MintBeforeRegistration(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	ctx := context.Background()
	id := uuid.New()

	outcome, err := f.rec.Apply(ctx, minted("7", id, pos(1, 0, 0)))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeHeld, outcome)

	_, err = f.rec.RegisterInvoice(ctx, ledger.NewInvoice{
		ID:    id,
		Terms: ledger.Terms{FaceValue: 10 * unit, DueAt: due},
	})
	require.NoError(t, err)

	inv, err := f.store.InvoiceByToken(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, id, inv.ID)
}

func TestRetryDue_EscalatesToUnresolved(t *testing.T) {
	f := newFixture(t, fixedHold(3))
	ctx := context.Background()

	evt := funded("404", "0xorphan", "0xaaa", unit, pos(5, 0, 0))
	outcome, err := f.rec.Apply(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeHeld, outcome)

	// Not due yet: nothing happens
	require.NoError(t, f.rec.RetryDue(ctx))
	assert.Equal(t, 1, f.rec.Parking().Pending("404")[0].Attempts)

	f.clock.Advance(time.Second)
	require.NoError(t, f.rec.RetryDue(ctx))
	assert.Equal(t, 2, f.rec.Parking().Pending("404")[0].Attempts)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.rec.RetryDue(ctx))
	assert.Equal(t, 0, f.rec.Parking().Len())

	unresolved := f.rec.ListUnresolved()
	require.Len(t, unresolved, 1)
	assert.Equal(t, "0xorphan", unresolved[0].Event.IdempotencyKey())
	assert.Equal(t, 3, unresolved[0].Attempts)
	assert.Contains(t, unresolved[0].LastError, "token not linked")

	emitted := f.emitter.ofKind(event.DomainEventUnresolved)
	require.Len(t, emitted, 1)
	assert.Equal(t, 3, emitted[0].Attempts)
	assert.Equal(t, "Funded", emitted[0].EventType)
}

func TestApply_RedeliveryOfHeldEventDoesNotCount(t *testing.T) {
	f := newFixture(t, fixedHold(2))
	ctx := context.Background()

	evt := funded("404", "0xorphan", "0xaaa", unit, pos(5, 0, 0))
	for i := 0; i < 3; i++ {
		outcome, err := f.rec.Apply(ctx, evt)
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeHeld, outcome)
	}

	pending := f.rec.Parking().Pending("404")
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Empty(t, f.rec.ListUnresolved())
}

func TestEscalate_RecordsUnresolved(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	ctx := context.Background()

	evt := funded("7", "0xstuck", "0xaaa", unit, pos(5, 0, 0))
	_, err := f.rec.Apply(ctx, evt)
	require.NoError(t, err)

	require.NoError(t, f.rec.Escalate(ctx, evt, 5, errors.New("db down")))
	assert.Equal(t, 0, f.rec.Parking().Len())

	unresolved := f.rec.ListUnresolved()
	require.Len(t, unresolved, 1)
	assert.Equal(t, 5, unresolved[0].Attempts)
	assert.Equal(t, "db down", unresolved[0].LastError)

	emitted := f.emitter.ofKind(event.DomainEventUnresolved)
	require.Len(t, emitted, 1)
	assert.Equal(t, "0xstuck", emitted[0].TxHash)
}

func TestApply_ImmediateEscalationReturnsError(t *testing.T) {
	f := newFixture(t, fixedHold(1))

	outcome, err := f.rec.Apply(context.Background(), funded("404", "0xorphan", "0xaaa", unit, pos(5, 0, 0)))
	assert.Equal(t, reconcile.OutcomeUnresolved, outcome)
	assert.ErrorIs(t, err, reconcile.ErrUnresolvedEvent)
}

func TestRetryUnresolved_AfterPredecessorArrives(t *testing.T) {
	f := newFixture(t, fixedHold(1))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, funded("7", "0xf1", "0xaaa", unit, pos(5, 0, 0)))
	require.ErrorIs(t, err, reconcile.ErrUnresolvedEvent)

	_, err = f.rec.Apply(ctx, minted("7", inv.ID, pos(1, 0, 0)))
	require.NoError(t, err)

	outcome, err := f.rec.RetryUnresolved(ctx, "0xf1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)
	assert.Empty(t, f.rec.ListUnresolved())
	assert.Equal(t, unit, f.book(t, inv.ID).TotalFunded())

	_, err = f.rec.RetryUnresolved(ctx, "0xf1")
	assert.ErrorIs(t, err, reconcile.ErrUnknownUnresolved)
}

// ============================================================================
// Test: Operator commands
// ============================================================================

func TestSettle_EmitsDistribution(t *testing.T) {
	f := newFixture(t, fixedHold(5))
	inv := f.mustListed(t)
	ctx := context.Background()

	_, err := f.rec.ApplyBatch(ctx, []event.Event{
		minted("7", inv.ID, pos(1, 0, 0)),
		funded("7", "0xf1", "0xaaa", 27_300*unit, pos(2, 0, 0)),
		funded("7", "0xf2", "0xbbb", 14_700*unit, pos(2, 1, 0)),
	})
	require.NoError(t, err)
	_, err = f.rec.Disburse(ctx, inv.ID, "wire-1")
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, repaid("7", "0xr1", 50_000*unit, pos(9, 0, 0)))
	require.NoError(t, err)

	res, err := f.rec.Settle(ctx, inv.ID, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateSettled, res.Invoice.State)

	settled := f.emitter.ofKind(event.DomainEventSettled)
	require.Len(t, settled, 1)
	require.NotNil(t, settled[0].Distribution)
	assert.Equal(t, 50_000*unit, settled[0].Distribution.TotalRepaid)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.Transitions.WithLabelValues("FULLY_PAID", "SETTLED")))
}
