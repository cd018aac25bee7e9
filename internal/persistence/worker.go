package persistence

import (
	"context"
	"fmt"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/reconcile"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// AuditWorker drains domain events into audit_log in batches. It sits on
// the emitter path, so Emit only enqueues; the ledger commit that produced
// the events has already happened.
//
// Emit blocks while the queue is full rather than dropping rows.
type AuditWorker struct {
	writer       *AuditWriter
	input        chan AuditRow
	batchSize    int
	flushTimeout time.Duration
	maxElapsed   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

var _ reconcile.Emitter = (*AuditWorker)(nil)

func NewAuditWorker(
	writer *AuditWriter,
	queueSize int,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &AuditWorker{
		writer:       writer,
		input:        make(chan AuditRow, queueSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxElapsed:   5 * time.Minute,
		metrics:      metrics,
		logger:       logger,
	}
}

// Emit converts and enqueues events for the next batch.
func (aw *AuditWorker) Emit(ctx context.Context, events ...event.DomainEvent) error {
	for _, evt := range events {
		row, err := NewAuditRow(evt)
		if err != nil {
			aw.recordError("marshal")
			return err
		}
		select {
		case aw.input <- row:
		case <-ctx.Done():
			return fmt.Errorf("enqueue audit row %s: %w", row.Kind, ctx.Err())
		}
	}
	return nil
}

// Run batches incoming rows and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled, then flushes
// what is queued.
func (aw *AuditWorker) Run(ctx context.Context) error {
	batch := make([]AuditRow, 0, aw.batchSize)

	timer := time.NewTimer(aw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: drain the queue and flush on a fresh context
			batch = aw.drain(batch)
			if len(batch) > 0 {
				final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				err := aw.flush(final, batch)
				cancel()
				if err != nil {
					aw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final audit flush failed")
				}
			}
			return nil

		case row := <-aw.input:
			batch = append(batch, row)
			if len(batch) >= aw.batchSize {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Int("rows", len(batch)).Msg("audit batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(aw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Int("rows", len(batch)).Msg("audit timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(aw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds, maxElapsed passes, or ctx is cancelled.
func (aw *AuditWorker) flushWithRetry(ctx context.Context, rows []AuditRow) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, aw.flush(ctx, rows)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(aw.maxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			if aw.metrics != nil {
				aw.metrics.AuditRetry.Inc()
			}
			aw.logger.Warn().Err(err).Dur("backoff", d).Int("rows", len(rows)).Msg("audit flush retry")
		}),
	)
	if err == nil && attempts > 1 {
		aw.logger.Info().Int("attempts", attempts).Msg("audit flush succeeded after retries")
	}
	return err
}

func (aw *AuditWorker) flush(ctx context.Context, rows []AuditRow) error {
	start := time.Now()
	if err := aw.writer.WriteBatch(ctx, rows); err != nil {
		aw.recordError("write")
		return err
	}
	if aw.metrics != nil {
		aw.metrics.AuditBatchDur.Observe(time.Since(start).Seconds())
		aw.metrics.AuditRowsWritten.Add(float64(len(rows)))
	}
	return nil
}

func (aw *AuditWorker) drain(batch []AuditRow) []AuditRow {
	for {
		select {
		case row := <-aw.input:
			batch = append(batch, row)
		default:
			return batch
		}
	}
}

func (aw *AuditWorker) recordError(kind string) {
	if aw.metrics != nil {
		aw.metrics.AuditErrors.WithLabelValues(kind).Inc()
	}
}
