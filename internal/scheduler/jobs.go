package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	"InvoiceLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Job is one periodic task.
type Job interface {
	Name() string
	Interval() time.Duration
	Execute(ctx context.Context) error
}

// Sweeper retries parked chain events whose backoff elapsed.
type Sweeper interface {
	RetryDue(ctx context.Context) error
}

// WindowOpener fires OpenRepaymentWindow through the serialized write path.
type WindowOpener interface {
	OpenRepaymentWindow(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error)
}

// ParkingSweepJob drives the held-event retry schedule.
type ParkingSweepJob struct {
	sweeper  Sweeper
	interval time.Duration
}

func NewParkingSweepJob(sweeper Sweeper, interval time.Duration) *ParkingSweepJob {
	return &ParkingSweepJob{sweeper: sweeper, interval: interval}
}

func (j *ParkingSweepJob) Name() string            { return "parking_sweep" }
func (j *ParkingSweepJob) Interval() time.Duration { return j.interval }

func (j *ParkingSweepJob) Execute(ctx context.Context) error {
	return j.sweeper.RetryDue(ctx)
}

// RepaymentWindowJob opens the repayment window of DISBURSED invoices once
// their due date is reached. Only registered under the due_date policy.
type RepaymentWindowJob struct {
	opener   WindowOpener
	store    ledger.Store
	clock    lifecycle.Clock
	interval time.Duration
	logger   zerolog.Logger
}

func NewRepaymentWindowJob(opener WindowOpener, store ledger.Store, clock lifecycle.Clock, interval time.Duration, logger zerolog.Logger) *RepaymentWindowJob {
	return &RepaymentWindowJob{opener: opener, store: store, clock: clock, interval: interval, logger: logger}
}

func (j *RepaymentWindowJob) Name() string            { return "repayment_window" }
func (j *RepaymentWindowJob) Interval() time.Duration { return j.interval }

func (j *RepaymentWindowJob) Execute(ctx context.Context) error {
	invoices, err := j.store.ListInvoicesByState(ctx, lifecycle.StateDisbursed)
	if err != nil {
		return fmt.Errorf("list disbursed: %w", err)
	}

	now := j.clock.Now()
	opened := 0
	var errs []error
	for _, inv := range invoices {
		if now.Before(inv.DueAt) {
			continue
		}
		_, err := j.opener.OpenRepaymentWindow(ctx, inv.ID, "scheduler:due_date")
		switch {
		case err == nil:
			opened++
		case errors.Is(err, ledger.ErrInvalidTransition):
			// A deposit opened it since the listing
			j.logger.Debug().Str("invoice_id", inv.ID.String()).Msg("repayment window already open")
		default:
			errs = append(errs, fmt.Errorf("invoice %s: %w", inv.ID, err))
		}
	}
	if opened > 0 {
		j.logger.Info().Int("opened", opened).Msg("repayment windows opened")
	}
	return errors.Join(errs...)
}

// OverdueScanJob counts invoices under the OVERDUE overlay. The overlay is
// derived at read time; this only feeds the gauge and the log.
type OverdueScanJob struct {
	store    ledger.Store
	resolver *lifecycle.Resolver
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewOverdueScanJob(store ledger.Store, resolver *lifecycle.Resolver, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *OverdueScanJob {
	return &OverdueScanJob{store: store, resolver: resolver, interval: interval, metrics: metrics, logger: logger}
}

func (j *OverdueScanJob) Name() string            { return "overdue_scan" }
func (j *OverdueScanJob) Interval() time.Duration { return j.interval }

func (j *OverdueScanJob) Execute(ctx context.Context) error {
	_, err := j.Scan(ctx)
	return err
}

// Scan returns the ids of overdue invoices.
func (j *OverdueScanJob) Scan(ctx context.Context) ([]uuid.UUID, error) {
	invoices, err := j.store.ListInvoicesByState(ctx,
		lifecycle.StateListed,
		lifecycle.StatePartiallyFunded,
		lifecycle.StateFullyFunded,
		lifecycle.StateDisbursed,
		lifecycle.StatePendingRepayment,
	)
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}

	var overdue []uuid.UUID
	for _, inv := range invoices {
		if j.resolver.Resolve(inv.State, inv.DueAt) == lifecycle.DisplayOverdue {
			overdue = append(overdue, inv.ID)
			j.logger.Warn().
				Str("invoice_id", inv.ID.String()).
				Str("state", inv.State.String()).
				Time("due_at", inv.DueAt).
				Msg("invoice overdue")
		}
	}
	if j.metrics != nil {
		j.metrics.OverdueInvoices.Set(float64(len(overdue)))
	}
	return overdue, nil
}
