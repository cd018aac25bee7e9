package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnresolvedEvent   = errors.New("unresolved event")
	ErrUnsupportedEvent  = errors.New("unsupported event type")
	ErrUnknownUnresolved = errors.New("no unresolved event with that tx hash")
	ErrLateEvent         = errors.New("event below token high-water position")
)

// Outcome is what Apply did with one chain event.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeDuplicate
	OutcomeHeld
	OutcomeUnresolved
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeHeld:
		return "held"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeRejected:
		return "rejected"
	default:
		return "error"
	}
}

type Config struct {
	Hold        HoldPolicy
	LRUCapacity int

	// ReorderWindow parks every new event this long before its first
	// attempt, so events of one token delivered out of order are applied
	// by chain position. Zero applies on arrival.
	ReorderWindow time.Duration

	// Parked persists the parking lot; nil keeps it in memory only.
	Parked ParkStore
}

// Reconciler applies chain events to the FundingLedger exactly once, in
// causal order per token. Events whose predecessor has not been applied yet
// are parked and retried. An event arriving below the position already
// settled for its token is escalated as late.
//
// Lock order is token, then invoice (taken inside the ledger).
type Reconciler struct {
	ledger  *ledger.FundingLedger
	store   ledger.Store
	dedup   *IdempotencyChecker
	parking *ParkingLot
	parked  ParkStore
	order   *highWater
	window  time.Duration
	tokens  *ledger.KeyedMutex
	emitter Emitter
	clock   lifecycle.Clock
	metrics *observability.Metrics
	logger  zerolog.Logger
	tracer  trace.Tracer
}

func NewReconciler(
	l *ledger.FundingLedger,
	emitter Emitter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Reconciler {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 100_000
	}
	return &Reconciler{
		ledger:  l,
		store:   l.Store(),
		dedup:   NewIdempotencyChecker(cfg.LRUCapacity, l.Store(), metrics),
		parking: NewParkingLot(cfg.Hold),
		parked:  cfg.Parked,
		order:   newHighWater(),
		window:  cfg.ReorderWindow,
		tokens:  ledger.NewKeyedMutex(),
		emitter: emitter,
		clock:   l.Clock(),
		metrics: metrics,
		logger:  logger,
		tracer:  observability.Tracer(),
	}
}

func (r *Reconciler) Ledger() *ledger.FundingLedger { return r.ledger }

func (r *Reconciler) Parking() *ParkingLot { return r.parking }

// WarmIdempotency preloads recently applied tx hashes into the LRU.
func (r *Reconciler) WarmIdempotency(txHashes []string) {
	r.dedup.lru.Warm(txHashes)
}

// RestoreParked reloads the parking lot from its ParkStore.
func (r *Reconciler) RestoreParked(ctx context.Context) (int, error) {
	if r.parked == nil {
		return 0, nil
	}
	entries, err := r.parked.LoadParked(ctx)
	if err != nil {
		return 0, fmt.Errorf("load parked events: %w", err)
	}
	for _, p := range entries {
		r.parking.Restore(p)
	}
	r.setParkedGauge()
	return len(entries), nil
}

// applyMode selects how an arrival is admitted.
type applyMode struct {
	deferrable bool // may wait out the reorder window
	allowLate  bool // operator retry of an escalated event
}

// Apply reconciles one chain event. A duplicate returns (OutcomeDuplicate,
// nil). A business-rule violation returns OutcomeRejected with the
// violation. Any other error is infrastructural and the event may be retried.
//
// With a reorder window the event is parked and Apply returns OutcomeHeld;
// RetryDue releases it once the window has passed.
func (r *Reconciler) Apply(ctx context.Context, evt event.Event) (Outcome, error) {
	return r.apply(ctx, evt, applyMode{deferrable: r.window > 0})
}

func (r *Reconciler) apply(ctx context.Context, evt event.Event, mode applyMode) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.Apply", trace.WithAttributes(
		attribute.String("event.type", evt.EventType().String()),
		attribute.String("event.tx_hash", evt.IdempotencyKey()),
		attribute.String("event.token_id", evt.TokenID()),
		attribute.String("event.position", evt.Position().String()),
	))
	defer span.End()

	unlock := r.tokens.Lock(evt.TokenID())
	defer unlock()

	outcome, err := r.admitLocked(ctx, evt, mode)

	span.SetAttributes(attribute.String("reconcile.outcome", outcome.String()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (r *Reconciler) admitLocked(ctx context.Context, evt event.Event, mode applyMode) (Outcome, error) {
	token, key := evt.TokenID(), evt.IdempotencyKey()

	// Step 1: parked predecessors of this token go first. Applied directly,
	// evt also releases every deferred entry below it.
	var through event.ChainPosition
	if !mode.deferrable {
		through = evt.Position()
	}
	if err := r.drainLocked(ctx, token, false, through); err != nil {
		return 0, err
	}

	// Step 2: redeliveries
	if r.parking.Contains(token, key) {
		return OutcomeHeld, nil
	}
	if r.parking.IsUnresolved(key) {
		return OutcomeUnresolved, fmt.Errorf("tx %s awaits an operator: %w", key, ErrUnresolvedEvent)
	}
	if r.isDuplicate(ctx, evt) {
		return OutcomeDuplicate, nil
	}

	// Step 3: ordering
	if !mode.allowLate && r.order.IsLate(token, evt.Position()) {
		return r.late(ctx, evt)
	}
	if mode.deferrable {
		return r.deferLocked(ctx, evt)
	}

	// Step 4: apply, then park or let the commit unblock parked successors
	outcome, err := r.commitLocked(ctx, evt)
	switch outcome {
	case OutcomeHeld:
		return r.hold(ctx, evt, err)
	case OutcomeApplied:
		if derr := r.drainLocked(ctx, token, false, event.ChainPosition{}); derr != nil {
			r.logger.Error().Err(derr).Str("token_id", token).Msg("drain after apply failed")
		}
	}
	return outcome, err
}

// Result pairs an event with its outcome in ApplyBatch.
type Result struct {
	Event   event.Event
	Outcome Outcome
	Err     error
}

// ApplyBatch applies events in causal order regardless of input order.
// A batch is complete, so it bypasses the reorder window.
// It stops at the first infrastructure error.
func (r *Reconciler) ApplyBatch(ctx context.Context, events []event.Event) ([]Result, error) {
	sorted := append([]event.Event(nil), events...)
	event.SortByPosition(sorted)

	results := make([]Result, 0, len(sorted))
	for _, evt := range sorted {
		outcome, err := r.apply(ctx, evt, applyMode{})
		results = append(results, Result{Event: evt, Outcome: outcome, Err: err})
		if outcome == 0 {
			return results, err
		}
	}
	return results, nil
}

// RetryDue retries parked events whose backoff or reorder window has
// elapsed.
func (r *Reconciler) RetryDue(ctx context.Context) error {
	var errs []error
	for _, token := range r.parking.DueTokens(r.clock.Now()) {
		unlock := r.tokens.Lock(token)
		err := r.drainLocked(ctx, token, true, event.ChainPosition{})
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", token, err))
		}
	}
	r.setParkedGauge()
	return errors.Join(errs...)
}

// Escalator takes events that upstream delivery gave up on.
type Escalator interface {
	Escalate(ctx context.Context, evt event.Event, attempts int, cause error) error
}

var _ Escalator = (*Reconciler)(nil)

// Escalate records evt as unresolved after upstream delivery gave up on
// it, so an operator can retry it later.
func (r *Reconciler) Escalate(ctx context.Context, evt event.Event, attempts int, cause error) error {
	unlock := r.tokens.Lock(evt.TokenID())
	defer unlock()

	entry := r.parking.Escalate(evt, attempts, cause, r.clock.Now())
	r.escalate(ctx, entry)
	r.setParkedGauge()
	return nil
}

// ListUnresolved returns escalated events awaiting an operator.
func (r *Reconciler) ListUnresolved() []*Parked {
	return r.parking.Unresolved()
}

// RetryUnresolved re-applies an escalated event with a fresh attempt budget.
// A late event is applied at its own position.
func (r *Reconciler) RetryUnresolved(ctx context.Context, txHash string) (Outcome, error) {
	p, ok := r.parking.TakeUnresolved(txHash)
	if !ok {
		return 0, fmt.Errorf("tx %s: %w", txHash, ErrUnknownUnresolved)
	}
	r.forget(ctx, txHash)
	r.logger.Info().Str("tx_hash", txHash).Int("attempts", p.Attempts).Msg("operator retry of unresolved event")
	return r.apply(ctx, p.Event, applyMode{allowLate: true})
}

func (r *Reconciler) isDuplicate(ctx context.Context, evt event.Event) bool {
	eventType, key := evt.EventType().String(), evt.IdempotencyKey()
	if !r.dedup.IsDuplicate(ctx, eventType, key) {
		return false
	}
	r.order.Advance(evt.TokenID(), evt.Position())
	r.recordRejected(eventType, "duplicate")
	r.logger.Debug().Str("tx_hash", key).Str("event_type", eventType).Msg("duplicate event skipped")
	return true
}

func (r *Reconciler) applyLocked(ctx context.Context, evt event.Event) (Outcome, error) {
	if r.isDuplicate(ctx, evt) {
		return OutcomeDuplicate, nil
	}
	return r.commitLocked(ctx, evt)
}

func (r *Reconciler) commitLocked(ctx context.Context, evt event.Event) (Outcome, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	events, err := r.dispatch(ctx, evt)

	switch {
	case err == nil:
		r.dedup.MarkProcessed(key)
		r.order.Advance(evt.TokenID(), evt.Position())
		if r.metrics != nil {
			r.metrics.EventsApplied.WithLabelValues(eventType).Inc()
			r.metrics.EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}
		r.emit(ctx, events)
		return OutcomeApplied, nil

	case errors.Is(err, ledger.ErrDuplicateEvent):
		r.dedup.MarkProcessed(key)
		r.order.Advance(evt.TokenID(), evt.Position())
		r.recordRejected(eventType, "duplicate")
		return OutcomeDuplicate, nil

	case isHoldable(err):
		return OutcomeHeld, err

	case isRejection(err):
		r.order.Advance(evt.TokenID(), evt.Position())
		r.recordRejected(eventType, rejectReason(err))
		r.logger.Warn().Err(err).Str("tx_hash", key).Str("event_type", eventType).Msg("event rejected")
		r.emit(ctx, []event.DomainEvent{r.rejected(ctx, evt, err)})
		return OutcomeRejected, err

	default:
		return 0, fmt.Errorf("apply %s %s: %w", eventType, key, err)
	}
}

func (r *Reconciler) dispatch(ctx context.Context, evt event.Event) ([]event.DomainEvent, error) {
	switch e := evt.(type) {
	case *event.Minted:
		inv, err := r.ledger.LinkToken(ctx, ledger.LinkRequest{
			InvoiceID:     e.InvoiceID,
			TokenID:       e.Token,
			IssuerAddress: e.Actor,
			FaceValue:     e.Amount,
			TxHash:        e.TxHash,
			At:            e.BlockTime,
		})
		if err != nil {
			return nil, err
		}
		r.logger.Info().Str("invoice_id", inv.ID.String()).Str("token_id", e.Token).Msg("token linked")
		return nil, nil

	case *event.Funded:
		inv, err := r.store.InvoiceByToken(ctx, e.Token)
		if err != nil {
			return nil, err
		}
		res, err := r.ledger.RecordContribution(ctx, ledger.Contribution{
			InvoiceID: inv.ID,
			Investor:  e.Actor,
			Amount:    e.Amount,
			FundedAt:  e.BlockTime,
			TxHash:    e.TxHash,
		})
		if err != nil {
			return nil, err
		}
		if r.metrics != nil {
			r.metrics.FundedMinorUnits.Add(float64(e.Amount))
		}
		r.logger.Debug().
			Str("invoice_id", inv.ID.String()).
			Str("investor", e.Actor).
			Int64("cumulative", int64(res.Cumulative)).
			Int64("progress_pct", res.ProgressPct).
			Msg("contribution recorded")
		return res.Events, nil

	case *event.RepaymentDeposited:
		inv, err := r.store.InvoiceByToken(ctx, e.Token)
		if err != nil {
			return nil, err
		}
		res, err := r.ledger.RecordRepayment(ctx, ledger.Repayment{
			InvoiceID:   inv.ID,
			Amount:      e.Amount,
			DepositedAt: e.BlockTime,
			TxHash:      e.TxHash,
		})
		if err != nil {
			return nil, err
		}
		if r.metrics != nil {
			r.metrics.RepaidMinorUnits.Add(float64(e.Amount))
		}
		return res.Events, nil

	default:
		return nil, fmt.Errorf("%T: %w", evt, ErrUnsupportedEvent)
	}
}

// drainLocked retries parked events of token in causal order until a pass
// makes no progress. A deferred entry still inside its window stops the
// pass unless it sits below through. Only a sweep counts attempts, and
// only for entries that were due. Caller holds the token lock.
func (r *Reconciler) drainLocked(ctx context.Context, token string, sweep bool, through event.ChainPosition) error {
	defer r.setParkedGauge()

	now := r.clock.Now()
	for {
		pending := r.parking.Pending(token)
		if len(pending) == 0 {
			return nil
		}

		progressed := false
		for _, p := range pending {
			if !p.ready(now) && !p.Event.Position().Less(through) {
				break
			}
			key := p.Event.IdempotencyKey()
			outcome, err := r.applyLocked(ctx, p.Event)
			switch outcome {
			case OutcomeApplied, OutcomeDuplicate, OutcomeRejected:
				r.unpark(ctx, token, key)
				progressed = true
			case OutcomeHeld:
				switch {
				case p.Deferred:
					// Out of the window; its predecessor is missing
					if _, herr := r.hold(ctx, p.Event, err); herr != nil && !errors.Is(herr, ErrUnresolvedEvent) {
						r.logger.Error().Err(herr).Str("tx_hash", key).Msg("hold after reorder window failed")
					}
				case sweep && !p.NextAttempt.After(now):
					entry, exhausted := r.parking.Attempt(token, key, err, now)
					if exhausted {
						r.escalate(ctx, entry)
					} else if entry != nil {
						r.save(ctx, entry)
					}
				}
			default:
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}

func (r *Reconciler) deferLocked(ctx context.Context, evt event.Event) (Outcome, error) {
	now := r.clock.Now()
	entry := r.parking.Defer(evt, now, now.Add(r.window))
	if err := r.persist(ctx, entry); err != nil {
		r.parking.Remove(evt.TokenID(), evt.IdempotencyKey())
		return 0, fmt.Errorf("defer %s: %w", evt.IdempotencyKey(), err)
	}
	r.setParkedGauge()

	r.logger.Debug().
		Str("tx_hash", evt.IdempotencyKey()).
		Str("token_id", evt.TokenID()).
		Str("position", evt.Position().String()).
		Time("release_at", entry.NextAttempt).
		Msg("event deferred for reordering")
	return OutcomeHeld, nil
}

func (r *Reconciler) hold(ctx context.Context, evt event.Event, cause error) (Outcome, error) {
	fresh := !r.parking.Contains(evt.TokenID(), evt.IdempotencyKey())
	entry, exhausted := r.parking.Hold(evt, cause, r.clock.Now())
	if r.metrics != nil {
		r.metrics.EventsHeld.WithLabelValues(evt.EventType().String()).Inc()
	}
	defer r.setParkedGauge()

	if exhausted {
		return r.escalate(ctx, entry)
	}
	if err := r.persist(ctx, entry); err != nil {
		if fresh {
			r.parking.Remove(evt.TokenID(), evt.IdempotencyKey())
			return 0, fmt.Errorf("hold %s: %w", evt.IdempotencyKey(), err)
		}
		r.logger.Error().Err(err).Str("tx_hash", evt.IdempotencyKey()).Msg("persist held event failed")
	}

	r.logger.Info().
		Str("tx_hash", evt.IdempotencyKey()).
		Str("token_id", evt.TokenID()).
		Str("position", evt.Position().String()).
		Err(cause).
		Msg("event held for predecessor")
	return OutcomeHeld, nil
}

// late escalates an arrival that the token's applied events have already
// overtaken. Applying it now would reorder the ledger.
func (r *Reconciler) late(ctx context.Context, evt event.Event) (Outcome, error) {
	hw, _ := r.order.Get(evt.TokenID())
	cause := fmt.Errorf("position %s below %s: %w", evt.Position(), hw, ErrLateEvent)
	if r.metrics != nil {
		r.metrics.EventsLate.WithLabelValues(evt.EventType().String()).Inc()
	}

	entry := r.parking.Escalate(evt, 0, cause, r.clock.Now())
	outcome, err := r.escalate(ctx, entry)
	return outcome, fmt.Errorf("%w: %w", err, ErrLateEvent)
}

func (r *Reconciler) escalate(ctx context.Context, p *Parked) (Outcome, error) {
	evt := p.Event
	eventType := evt.EventType().String()
	if r.metrics != nil {
		r.metrics.EventsUnresolved.WithLabelValues(eventType).Inc()
	}
	r.save(ctx, p)

	r.logger.Error().
		Str("tx_hash", evt.IdempotencyKey()).
		Str("token_id", evt.TokenID()).
		Int("attempts", p.Attempts).
		Str("last_error", p.LastError).
		Msg("event unresolved")

	r.emit(ctx, []event.DomainEvent{{
		Kind:       event.DomainEventUnresolved,
		InvoiceID:  r.invoiceIDFor(ctx, evt),
		TokenID:    evt.TokenID(),
		TxHash:     evt.IdempotencyKey(),
		Amount:     evt.Header().Amount,
		Reason:     p.LastError,
		OccurredAt: r.clock.Now(),
		Attempts:   p.Attempts,
		EventType:  eventType,
	}})
	return OutcomeUnresolved, fmt.Errorf("tx %s after %d attempts: %w", evt.IdempotencyKey(), p.Attempts, ErrUnresolvedEvent)
}

func (r *Reconciler) persist(ctx context.Context, p *Parked) error {
	if r.parked == nil {
		return nil
	}
	return r.parked.SaveParked(ctx, p)
}

// save is persist for entries that are already accounted for elsewhere;
// a failure is logged and the entry stays in memory.
func (r *Reconciler) save(ctx context.Context, p *Parked) {
	if err := r.persist(ctx, p); err != nil {
		r.logger.Error().Err(err).Str("tx_hash", p.Event.IdempotencyKey()).Msg("persist parked event failed")
	}
}

func (r *Reconciler) forget(ctx context.Context, txHash string) {
	if r.parked == nil {
		return
	}
	if err := r.parked.DeleteParked(ctx, txHash); err != nil {
		r.logger.Error().Err(err).Str("tx_hash", txHash).Msg("delete parked event failed")
	}
}

func (r *Reconciler) unpark(ctx context.Context, token, txHash string) {
	r.parking.Remove(token, txHash)
	r.forget(ctx, txHash)
}

func (r *Reconciler) rejected(ctx context.Context, evt event.Event, err error) event.DomainEvent {
	return event.DomainEvent{
		Kind:       event.DomainEventRejected,
		InvoiceID:  r.invoiceIDFor(ctx, evt),
		TokenID:    evt.TokenID(),
		TxHash:     evt.IdempotencyKey(),
		Amount:     evt.Header().Amount,
		Reason:     err.Error(),
		OccurredAt: r.clock.Now(),
		EventType:  evt.EventType().String(),
	}
}

func (r *Reconciler) invoiceIDFor(ctx context.Context, evt event.Event) uuid.UUID {
	if m, ok := evt.(*event.Minted); ok {
		return m.InvoiceID
	}
	inv, err := r.store.InvoiceByToken(ctx, evt.TokenID())
	if err != nil {
		return uuid.Nil
	}
	return inv.ID
}

func (r *Reconciler) emit(ctx context.Context, events []event.DomainEvent) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		if r.metrics == nil {
			break
		}
		switch e.Kind {
		case event.DomainEventStateChanged:
			r.metrics.Transitions.WithLabelValues(e.FromState, e.ToState).Inc()
		case event.DomainEventSettled:
			if e.Distribution != nil {
				r.metrics.SettlementResidual.Add(float64(e.Distribution.Residual))
			}
		}
	}
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, events...); err != nil {
		r.logger.Error().Err(err).Int("events", len(events)).Msg("emit domain events failed")
	}
}

func (r *Reconciler) recordRejected(eventType, reason string) {
	if r.metrics != nil {
		r.metrics.EventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (r *Reconciler) setParkedGauge() {
	if r.metrics != nil {
		r.metrics.ParkedEvents.Set(float64(r.parking.Len()))
	}
}

func isHoldable(err error) bool {
	return errors.Is(err, ledger.ErrInvoiceNotFound) ||
		errors.Is(err, ledger.ErrTokenNotFound) ||
		errors.Is(err, ledger.ErrNotListed) ||
		errors.Is(err, ledger.ErrPrematureRepayment)
}

func isRejection(err error) bool {
	return ledger.IsBusinessViolation(err) ||
		errors.Is(err, ledger.ErrTokenConflict) ||
		errors.Is(err, ErrUnsupportedEvent) ||
		errors.Is(err, fpmath.ErrInvalidAmount) ||
		errors.Is(err, fpmath.ErrInvalidRate) ||
		errors.Is(err, fpmath.ErrOverflow)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrOverfundingRejected):
		return "overfunding"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrTokenConflict):
		return "token_conflict"
	case errors.Is(err, ErrUnsupportedEvent):
		return "unsupported"
	default:
		return "invalid_amount"
	}
}
