package reconcile

import (
	"context"
	"errors"

	"InvoiceLedger/internal/event"

	"github.com/rs/zerolog"
)

// Emitter receives domain events after the ledger commit that produced them.
// A failing emitter never rolls back the commit.
type Emitter interface {
	Emit(ctx context.Context, events ...event.DomainEvent) error
}

// MultiEmitter fans events out to every emitter and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, events ...event.DomainEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter writes each domain event to the log.
type LogEmitter struct {
	Logger zerolog.Logger
}

func (l LogEmitter) Emit(_ context.Context, events ...event.DomainEvent) error {
	for _, e := range events {
		lvl := zerolog.InfoLevel
		if e.Kind == event.DomainEventRejected || e.Kind == event.DomainEventUnresolved {
			lvl = zerolog.WarnLevel
		}
		l.Logger.WithLevel(lvl).
			Str("kind", e.Kind.String()).
			Str("invoice_id", e.InvoiceID.String()).
			Str("token_id", e.TokenID).
			Str("tx_hash", e.TxHash).
			Int64("amount", int64(e.Amount)).
			Str("from", e.FromState).
			Str("to", e.ToState).
			Str("reason", e.Reason).
			Msg("domain event")
	}
	return nil
}
