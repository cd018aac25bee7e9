package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RepaymentPolicy decides when DISBURSED opens the repayment window.
type RepaymentPolicy int

const (
	// RepaymentWindowImmediate opens the window in the same commit as Disburse.
	RepaymentWindowImmediate RepaymentPolicy = iota
	// RepaymentWindowDueDate leaves it to a scheduled OpenRepaymentWindow at dueAt.
	RepaymentWindowDueDate
)

func ParseRepaymentPolicy(s string) (RepaymentPolicy, error) {
	switch strings.ToLower(s) {
	case "immediate", "":
		return RepaymentWindowImmediate, nil
	case "due_date":
		return RepaymentWindowDueDate, nil
	default:
		return 0, fmt.Errorf("unknown repayment policy %q", s)
	}
}

func (p RepaymentPolicy) String() string {
	if p == RepaymentWindowDueDate {
		return "due_date"
	}
	return "immediate"
}

type Options struct {
	Clock        lifecycle.Clock
	GracePeriod  time.Duration
	Policy       RepaymentPolicy
	StoreTimeout time.Duration // Bound on each store call inside the critical section
	Logger       zerolog.Logger
}

// FundingLedger owns every write to invoices, contributions and repayments.
// Writes are serialized per invoice id; reads go straight to the store.
type FundingLedger struct {
	store        Store
	locks        *KeyedMutex
	clock        lifecycle.Clock
	grace        time.Duration
	policy       RepaymentPolicy
	storeTimeout time.Duration
	logger       zerolog.Logger
}

func NewFundingLedger(store Store, opts Options) *FundingLedger {
	if opts.Clock == nil {
		opts.Clock = lifecycle.SystemClock{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &FundingLedger{
		store:        store,
		locks:        NewKeyedMutex(),
		clock:        opts.Clock,
		grace:        opts.GracePeriod,
		policy:       opts.Policy,
		storeTimeout: opts.StoreTimeout,
		logger:       opts.Logger,
	}
}

// ContributionResult is returned by a successful RecordContribution.
type ContributionResult struct {
	InvoiceID     uuid.UUID
	Cumulative    fpmath.Amount
	FundingAmount fpmath.Amount
	ProgressPct   int64 // floor(cumulative * 100 / fundingAmount)
	State         lifecycle.State
	Events        []event.DomainEvent
}

// RepaymentResult is returned by a successful RecordRepayment.
type RepaymentResult struct {
	InvoiceID         uuid.UUID
	Cumulative        fpmath.Amount
	ExpectedRepayment fpmath.Amount
	State             lifecycle.State
	Events            []event.DomainEvent
}

// TransitionResult is returned by operator-driven transitions.
type TransitionResult struct {
	Invoice *Invoice
	Events  []event.DomainEvent
}

// LinkRequest binds a minted token to its invoice.
type LinkRequest struct {
	InvoiceID     uuid.UUID
	TokenID       string
	IssuerAddress string
	FaceValue     fpmath.Amount
	TxHash        string
	At            time.Time
}

func (l *FundingLedger) Store() Store { return l.store }

func (l *FundingLedger) Clock() lifecycle.Clock { return l.clock }

func (l *FundingLedger) Policy() RepaymentPolicy { return l.policy }

// RegisterInvoice creates an invoice in SUBMITTED.
func (l *FundingLedger) RegisterInvoice(ctx context.Context, in NewInvoice) (*Invoice, error) {
	if err := validateTerms(in.Terms); err != nil {
		return nil, err
	}
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := l.clock.Now()

	inv := &Invoice{
		ID:           id,
		FaceValue:    in.Terms.FaceValue,
		DiscountRate: in.Terms.DiscountRate,
		APR:          in.Terms.APR,
		DueAt:        in.Terms.DueAt,
		CreatedAt:    now,
		UpdatedAt:    now,
		State:        lifecycle.StateSubmitted,
		PayerRef:     in.PayerRef,
		IssuerRef:    in.IssuerRef,
	}

	sctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.store.CreateInvoice(sctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	inv.Version = 1
	return inv, nil
}

// UpdateTerms replaces listing terms. Only SUBMITTED invoices are editable.
func (l *FundingLedger) UpdateTerms(ctx context.Context, id uuid.UUID, terms Terms) (*Invoice, error) {
	if err := validateTerms(terms); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(id.String())
	defer unlock()

	inv, err := l.loadInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.State != lifecycle.StateSubmitted {
		return nil, violation(fmt.Errorf("state %s: %w", inv.State, ErrTermsFrozen), id, "", terms.FaceValue)
	}

	next := inv.clone()
	next.FaceValue = terms.FaceValue
	next.DiscountRate = terms.DiscountRate
	next.APR = terms.APR
	next.DueAt = terms.DueAt
	next.UpdatedAt = l.clock.Now()

	if err := l.commit(ctx, Mutation{InvoiceID: id, ExpectedVersion: inv.Version, Invoice: next}); err != nil {
		return nil, err
	}
	next.Version = inv.Version + 1
	return next, nil
}

// LinkToken records a Minted event. It does not change lifecycle state.
func (l *FundingLedger) LinkToken(ctx context.Context, req LinkRequest) (*Invoice, error) {
	unlock := l.locks.Lock(req.InvoiceID.String())
	defer unlock()

	if err := l.checkApplied(ctx, req.TxHash); err != nil {
		return nil, err
	}
	inv, err := l.loadInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.TokenID != "" && inv.TokenID != req.TokenID {
		return nil, violation(fmt.Errorf("already linked to token %s: %w", inv.TokenID, ErrTokenConflict),
			inv.ID, req.TxHash, req.FaceValue)
	}
	if req.FaceValue != 0 && req.FaceValue != inv.FaceValue {
		l.logger.Warn().
			Str("invoice_id", inv.ID.String()).
			Str("token_id", req.TokenID).
			Int64("minted_face", int64(req.FaceValue)).
			Int64("invoice_face", int64(inv.FaceValue)).
			Msg("minted face value differs from invoice terms")
	}

	next := inv.clone()
	next.TokenID = req.TokenID
	next.IssuerAddress = req.IssuerAddress
	next.UpdatedAt = l.clock.Now()

	err = l.commit(ctx, Mutation{
		InvoiceID:       inv.ID,
		ExpectedVersion: inv.Version,
		Invoice:         next,
		AppliedTxHash:   req.TxHash,
		AppliedKind:     event.EventTypeMinted.String(),
	})
	if err != nil {
		return nil, err
	}
	next.Version = inv.Version + 1
	return next, nil
}

// RecordContribution appends a contribution if it fits under the funding
// cap and advances the invoice through FundingReceived.
func (l *FundingLedger) RecordContribution(ctx context.Context, c Contribution) (*ContributionResult, error) {
	if c.TxHash == "" {
		return nil, violation(fmt.Errorf("missing tx hash: %w", fpmath.ErrInvalidAmount), c.InvoiceID, "", c.Amount)
	}
	if c.Amount <= 0 {
		return nil, violation(fmt.Errorf("contribution %d: %w", c.Amount, fpmath.ErrInvalidAmount), c.InvoiceID, c.TxHash, c.Amount)
	}

	unlock := l.locks.Lock(c.InvoiceID.String())
	defer unlock()

	if err := l.checkApplied(ctx, c.TxHash); err != nil {
		return nil, err
	}
	book, err := l.loadBook(ctx, c.InvoiceID)
	if err != nil {
		return nil, err
	}
	inv := book.Invoice

	switch {
	case inv.State.IsTerminal():
		_, terr := lifecycle.Next(inv.State, lifecycle.TriggerFundingReceived, lifecycle.Facts{})
		return nil, violation(terr, inv.ID, c.TxHash, c.Amount)
	case inv.State == lifecycle.StateSubmitted:
		return nil, violation(ErrNotListed, inv.ID, c.TxHash, c.Amount)
	}

	fundingAmount, err := inv.FundingAmount()
	if err != nil {
		return nil, violation(err, inv.ID, c.TxHash, c.Amount)
	}
	cumulative, err := book.TotalFunded().Add(c.Amount)
	if err != nil {
		return nil, violation(err, inv.ID, c.TxHash, c.Amount)
	}
	if cumulative > fundingAmount {
		return nil, violation(fmt.Errorf("funded %d + %d exceeds %d: %w",
			book.TotalFunded(), c.Amount, fundingAmount, ErrOverfundingRejected), inv.ID, c.TxHash, c.Amount)
	}

	nextState, err := lifecycle.Next(inv.State, lifecycle.TriggerFundingReceived, lifecycle.Facts{
		Funded:        cumulative,
		FundingAmount: fundingAmount,
	})
	if err != nil {
		return nil, violation(err, inv.ID, c.TxHash, c.Amount)
	}

	progress, err := fpmath.ProRataShare(100, cumulative, fundingAmount)
	if err != nil {
		return nil, fmt.Errorf("funding progress of invoice %s: %w", inv.ID, err)
	}

	now := l.clock.Now()
	next := inv.clone()
	next.State = nextState
	next.UpdatedAt = now
	if nextState == lifecycle.StateFullyFunded {
		next.FullyFundedAt = c.FundedAt
	}

	m := Mutation{
		InvoiceID:       inv.ID,
		ExpectedVersion: inv.Version,
		Invoice:         next,
		Contribution:    &c,
		AppliedTxHash:   c.TxHash,
		AppliedKind:     event.EventTypeFunded.String(),
	}
	var events []event.DomainEvent
	if nextState != inv.State {
		m.StateChanges = append(m.StateChanges, StateChange{
			InvoiceID: inv.ID, From: inv.State, To: nextState,
			Trigger: lifecycle.TriggerFundingReceived, Reference: c.TxHash, At: now,
		})
		events = append(events, stateChanged(next, inv.State, c.TxHash, c.Amount, now))
	}
	if nextState == lifecycle.StateFullyFunded {
		events = append(events, event.DomainEvent{
			Kind:       event.DomainEventFullyFunded,
			InvoiceID:  inv.ID,
			TokenID:    inv.TokenID,
			TxHash:     c.TxHash,
			Amount:     cumulative,
			FromState:  inv.State.String(),
			ToState:    nextState.String(),
			OccurredAt: now,
		})
	}

	if err := l.commit(ctx, m); err != nil {
		return nil, err
	}

	return &ContributionResult{
		InvoiceID:     inv.ID,
		Cumulative:    cumulative,
		FundingAmount: fundingAmount,
		ProgressPct:   int64(progress),
		State:         nextState,
		Events:        events,
	}, nil
}

// RecordRepayment appends a payer deposit. A deposit on a DISBURSED invoice
// opens the repayment window first.
func (l *FundingLedger) RecordRepayment(ctx context.Context, r Repayment) (*RepaymentResult, error) {
	if r.TxHash == "" {
		return nil, violation(fmt.Errorf("missing tx hash: %w", fpmath.ErrInvalidAmount), r.InvoiceID, "", r.Amount)
	}
	if r.Amount <= 0 {
		return nil, violation(fmt.Errorf("repayment %d: %w", r.Amount, fpmath.ErrInvalidAmount), r.InvoiceID, r.TxHash, r.Amount)
	}

	unlock := l.locks.Lock(r.InvoiceID.String())
	defer unlock()

	if err := l.checkApplied(ctx, r.TxHash); err != nil {
		return nil, err
	}
	book, err := l.loadBook(ctx, r.InvoiceID)
	if err != nil {
		return nil, err
	}
	inv := book.Invoice

	switch inv.State {
	case lifecycle.StateDisbursed, lifecycle.StatePendingRepayment:
	case lifecycle.StateSubmitted, lifecycle.StateListed, lifecycle.StatePartiallyFunded, lifecycle.StateFullyFunded:
		return nil, violation(fmt.Errorf("state %s: %w", inv.State, ErrPrematureRepayment), inv.ID, r.TxHash, r.Amount)
	default:
		_, terr := lifecycle.Next(inv.State, lifecycle.TriggerRepaymentDeposited, lifecycle.Facts{})
		return nil, violation(terr, inv.ID, r.TxHash, r.Amount)
	}

	expected, err := inv.ExpectedRepayment()
	if err != nil {
		return nil, violation(err, inv.ID, r.TxHash, r.Amount)
	}
	cumulative, err := book.TotalRepaid().Add(r.Amount)
	if err != nil {
		return nil, violation(err, inv.ID, r.TxHash, r.Amount)
	}

	now := l.clock.Now()
	next := inv.clone()
	next.UpdatedAt = now

	m := Mutation{
		InvoiceID:       inv.ID,
		ExpectedVersion: inv.Version,
		Invoice:         next,
		Repayment:       &r,
		AppliedTxHash:   r.TxHash,
		AppliedKind:     event.EventTypeRepaymentDeposited.String(),
	}
	var events []event.DomainEvent

	if inv.State == lifecycle.StateDisbursed {
		opened, err := lifecycle.Next(next.State, lifecycle.TriggerOpenRepaymentWindow, lifecycle.Facts{})
		if err != nil {
			return nil, violation(err, inv.ID, r.TxHash, r.Amount)
		}
		m.StateChanges = append(m.StateChanges, StateChange{
			InvoiceID: inv.ID, From: next.State, To: opened,
			Trigger: lifecycle.TriggerOpenRepaymentWindow, Reference: r.TxHash, At: now,
		})
		prev := next.State
		next.State = opened
		events = append(events, stateChanged(next, prev, r.TxHash, 0, now))
	}

	paidState, err := lifecycle.Next(next.State, lifecycle.TriggerRepaymentDeposited, lifecycle.Facts{
		Repaid:            cumulative,
		ExpectedRepayment: expected,
	})
	if err != nil {
		return nil, violation(err, inv.ID, r.TxHash, r.Amount)
	}
	if paidState != next.State {
		m.StateChanges = append(m.StateChanges, StateChange{
			InvoiceID: inv.ID, From: next.State, To: paidState,
			Trigger: lifecycle.TriggerRepaymentDeposited, Reference: r.TxHash, At: now,
		})
		prev := next.State
		next.State = paidState
		events = append(events, stateChanged(next, prev, r.TxHash, cumulative, now))
	}

	if err := l.commit(ctx, m); err != nil {
		return nil, err
	}

	return &RepaymentResult{
		InvoiceID:         inv.ID,
		Cumulative:        cumulative,
		ExpectedRepayment: expected,
		State:             next.State,
		Events:            events,
	}, nil
}

// Approve lists a SUBMITTED invoice once issuer and payer are verified.
func (l *FundingLedger) Approve(ctx context.Context, id uuid.UUID, v Verification, reference string) (*TransitionResult, error) {
	return l.transition(ctx, id, reference, func(book *Book, now time.Time) (*transitionPlan, error) {
		to, err := lifecycle.Next(book.Invoice.State, lifecycle.TriggerApprove, lifecycle.Facts{
			IssuerVerified: v.IssuerVerified,
			PayerVerified:  v.PayerVerified,
		})
		if err != nil {
			return nil, err
		}
		return &transitionPlan{steps: []step{{lifecycle.TriggerApprove, to}}}, nil
	})
}

// Disburse records the off-chain payout to the issuer. Under the immediate
// policy the repayment window opens in the same commit.
func (l *FundingLedger) Disburse(ctx context.Context, id uuid.UUID, payoutRef string) (*TransitionResult, error) {
	return l.transition(ctx, id, payoutRef, func(book *Book, now time.Time) (*transitionPlan, error) {
		to, err := lifecycle.Next(book.Invoice.State, lifecycle.TriggerDisburse, lifecycle.Facts{
			PayoutExecuted: payoutRef != "",
		})
		if err != nil {
			return nil, err
		}
		plan := &transitionPlan{steps: []step{{lifecycle.TriggerDisburse, to}}}
		plan.mutate = func(inv *Invoice) { inv.DisbursedAt = now }

		if l.policy == RepaymentWindowImmediate {
			opened, err := lifecycle.Next(to, lifecycle.TriggerOpenRepaymentWindow, lifecycle.Facts{})
			if err != nil {
				return nil, err
			}
			plan.steps = append(plan.steps, step{lifecycle.TriggerOpenRepaymentWindow, opened})
		}
		return plan, nil
	})
}

// OpenRepaymentWindow moves DISBURSED to PENDING_REPAYMENT.
func (l *FundingLedger) OpenRepaymentWindow(ctx context.Context, id uuid.UUID, reference string) (*TransitionResult, error) {
	return l.transition(ctx, id, reference, func(book *Book, now time.Time) (*transitionPlan, error) {
		to, err := lifecycle.Next(book.Invoice.State, lifecycle.TriggerOpenRepaymentWindow, lifecycle.Facts{})
		if err != nil {
			return nil, err
		}
		return &transitionPlan{steps: []step{{lifecycle.TriggerOpenRepaymentWindow, to}}}, nil
	})
}

// Settle distributes the repayment pro rata and moves FULLY_PAID to SETTLED.
func (l *FundingLedger) Settle(ctx context.Context, id uuid.UUID, reference string) (*TransitionResult, error) {
	return l.transition(ctx, id, reference, func(book *Book, now time.Time) (*transitionPlan, error) {
		var dist *fpmath.Distribution
		if book.Invoice.State == lifecycle.StateFullyPaid {
			var err error
			if dist, err = fpmath.ComputeDistribution(book.TotalRepaid(), book.Shares()); err != nil {
				return nil, fmt.Errorf("compute distribution: %w", err)
			}
		}
		to, err := lifecycle.Next(book.Invoice.State, lifecycle.TriggerSettle, lifecycle.Facts{
			YieldDistributed: dist != nil,
		})
		if err != nil {
			return nil, err
		}
		return &transitionPlan{
			steps:  []step{{lifecycle.TriggerSettle, to}},
			mutate: func(inv *Invoice) { inv.SettledAt = now },
			final: &event.DomainEvent{
				Kind:         event.DomainEventSettled,
				Amount:       book.TotalRepaid(),
				Distribution: dist,
			},
		}, nil
	})
}

// MarkDefault is the irreversible operator decision after the grace period.
func (l *FundingLedger) MarkDefault(ctx context.Context, id uuid.UUID, reference string) (*TransitionResult, error) {
	return l.transition(ctx, id, reference, func(book *Book, now time.Time) (*transitionPlan, error) {
		to, err := lifecycle.Next(book.Invoice.State, lifecycle.TriggerMarkDefault, lifecycle.Facts{
			Now:         now,
			DueAt:       book.Invoice.DueAt,
			GracePeriod: l.grace,
		})
		if err != nil {
			return nil, err
		}
		return &transitionPlan{
			steps: []step{{lifecycle.TriggerMarkDefault, to}},
			final: &event.DomainEvent{
				Kind:   event.DomainEventDefaulted,
				Amount: book.TotalRepaid(),
				Reason: reference,
			},
		}, nil
	})
}

// Book reads a consistent snapshot without taking the write lock.
func (l *FundingLedger) Book(ctx context.Context, id uuid.UUID) (*Book, error) {
	return l.loadBook(ctx, id)
}

type step struct {
	trigger lifecycle.Trigger
	to      lifecycle.State
}

type transitionPlan struct {
	steps  []step
	mutate func(inv *Invoice)
	final  *event.DomainEvent
}

func (l *FundingLedger) transition(
	ctx context.Context,
	id uuid.UUID,
	reference string,
	plan func(book *Book, now time.Time) (*transitionPlan, error),
) (*TransitionResult, error) {
	unlock := l.locks.Lock(id.String())
	defer unlock()

	book, err := l.loadBook(ctx, id)
	if err != nil {
		return nil, err
	}
	inv := book.Invoice
	now := l.clock.Now()

	p, err := plan(book, now)
	if err != nil {
		return nil, violation(err, id, reference, 0)
	}

	next := inv.clone()
	next.UpdatedAt = now
	if p.mutate != nil {
		p.mutate(next)
	}

	m := Mutation{InvoiceID: id, ExpectedVersion: inv.Version, Invoice: next}
	var events []event.DomainEvent
	for _, s := range p.steps {
		m.StateChanges = append(m.StateChanges, StateChange{
			InvoiceID: id, From: next.State, To: s.to, Trigger: s.trigger, Reference: reference, At: now,
		})
		prev := next.State
		next.State = s.to
		events = append(events, stateChanged(next, prev, reference, 0, now))
	}
	if p.final != nil {
		final := *p.final
		final.InvoiceID = id
		final.TokenID = inv.TokenID
		final.TxHash = reference
		final.FromState = inv.State.String()
		final.ToState = next.State.String()
		final.OccurredAt = now
		events = append(events, final)
	}

	if err := l.commit(ctx, m); err != nil {
		return nil, err
	}
	next.Version = inv.Version + 1

	l.logger.Info().
		Str("invoice_id", id.String()).
		Str("from", inv.State.String()).
		Str("to", next.State.String()).
		Str("reference", reference).
		Msg("invoice transitioned")

	return &TransitionResult{Invoice: next, Events: events}, nil
}

func (l *FundingLedger) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.storeTimeout)
}

func (l *FundingLedger) checkApplied(ctx context.Context, txHash string) error {
	sctx, cancel := l.bounded(ctx)
	defer cancel()

	applied, err := l.store.IsApplied(sctx, txHash)
	if err != nil {
		return fmt.Errorf("idempotency lookup: %w", err)
	}
	if applied {
		return fmt.Errorf("tx %s: %w", txHash, ErrDuplicateEvent)
	}
	return nil
}

func (l *FundingLedger) loadInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	sctx, cancel := l.bounded(ctx)
	defer cancel()
	return l.store.LoadInvoice(sctx, id)
}

func (l *FundingLedger) loadBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	sctx, cancel := l.bounded(ctx)
	defer cancel()
	return l.store.LoadBook(sctx, id)
}

// commit detaches from caller cancellation: a decided mutation either
// lands whole or times out whole.
func (l *FundingLedger) commit(ctx context.Context, m Mutation) error {
	sctx, cancel := l.bounded(context.WithoutCancel(ctx))
	defer cancel()

	err := l.store.Commit(sctx, m)
	if errors.Is(err, ErrAlreadyApplied) {
		return fmt.Errorf("tx %s: %w", m.AppliedTxHash, ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("commit invoice %s: %w", m.InvoiceID, err)
	}
	return nil
}

func validateTerms(t Terms) error {
	if _, err := fpmath.FundingAmount(t.FaceValue, t.DiscountRate); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTerms, err)
	}
	if t.APR < 0 {
		return fmt.Errorf("%w: apr %d bp: %w", ErrInvalidTerms, t.APR, fpmath.ErrInvalidRate)
	}
	if t.DueAt.IsZero() {
		return fmt.Errorf("%w: due date is required", ErrInvalidTerms)
	}
	return nil
}

func stateChanged(inv *Invoice, from lifecycle.State, reference string, amount fpmath.Amount, at time.Time) event.DomainEvent {
	return event.DomainEvent{
		Kind:       event.DomainEventStateChanged,
		InvoiceID:  inv.ID,
		TokenID:    inv.TokenID,
		TxHash:     reference,
		Amount:     amount,
		FromState:  from.String(),
		ToState:    inv.State.String(),
		OccurredAt: at,
	}
}
