package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/reconcile"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const LedgerEventsStream = "INVOICE_LEDGER_EVENTS"

// Publisher is the subset of jetstream.JetStream used for outbound messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes ledger domain events to NATS after the
// commit that produced them. Subjects follow the pattern
// invoice.ledger.events.{kind}.{invoice_id}.
type OutboundPublisher struct {
	js      Publisher
	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ reconcile.Emitter = (*OutboundPublisher)(nil)

// PublishableEvent is the outbound wire format of a domain event.
type PublishableEvent struct {
	Kind       string       `json:"kind"`
	InvoiceID  string       `json:"invoice_id,omitempty"`
	TokenID    string       `json:"token_id,omitempty"`
	TxHash     string       `json:"tx_hash,omitempty"`
	Amount     int64        `json:"amount"`
	FromState  string       `json:"from_state,omitempty"`
	ToState    string       `json:"to_state,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Attempts   int          `json:"attempts,omitempty"`
	EventType  string       `json:"event_type,omitempty"`
	Payouts    []PayoutJSON `json:"payouts,omitempty"`
	Residual   *int64       `json:"residual,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// PayoutJSON is one investor's settlement payout in minor units.
type PayoutJSON struct {
	Investor  string `json:"investor"`
	Principal int64  `json:"principal"`
	Payout    int64  `json:"payout"`
}

func NewOutboundPublisher(js Publisher, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		metrics: metrics,
		logger:  logger,
	}
}

// Emit publishes every event. Failures are logged and returned joined;
// the ledger state is already committed and downstream consumers can
// re-read it through the query API.
func (op *OutboundPublisher) Emit(ctx context.Context, events ...event.DomainEvent) error {
	var errs []error
	for _, evt := range events {
		if err := op.publish(ctx, evt); err != nil {
			op.record(evt.Kind, "error")
			op.logger.Warn().Err(err).
				Str("kind", evt.Kind.String()).
				Str("invoice_id", evt.InvoiceID.String()).
				Msg("outbound publish failed")
			errs = append(errs, err)
			continue
		}
		op.record(evt.Kind, "ok")
	}
	return errors.Join(errs...)
}

func (op *OutboundPublisher) publish(ctx context.Context, evt event.DomainEvent) error {
	data, err := json.Marshal(toPublishable(evt))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, OutboundSubject(evt), data, jetstream.WithMsgID(outboundMsgID(evt)))
	return err
}

func (op *OutboundPublisher) record(kind event.DomainEventKind, outcome string) {
	if op.metrics != nil {
		op.metrics.OutboundPublished.WithLabelValues(kind.String(), outcome).Inc()
	}
}

// OutboundSubject builds invoice.ledger.events.{kind}.{invoice_id}. Events
// for a not-yet-known invoice use the token id with a "token-" prefix.
func OutboundSubject(evt event.DomainEvent) string {
	key := "token-" + evt.TokenID
	if evt.InvoiceID != uuid.Nil {
		key = evt.InvoiceID.String()
	}
	return fmt.Sprintf("invoice.ledger.events.%s.%s", strings.ToLower(evt.Kind.String()), key)
}

// outboundMsgID lets JetStream drop re-emissions of the same fact.
func outboundMsgID(evt event.DomainEvent) string {
	return strings.Join([]string{evt.Kind.String(), evt.InvoiceID.String(), evt.TxHash, evt.FromState, evt.ToState}, ":")
}

func toPublishable(evt event.DomainEvent) PublishableEvent {
	p := PublishableEvent{
		Kind:       evt.Kind.String(),
		TokenID:    evt.TokenID,
		TxHash:     evt.TxHash,
		Amount:     int64(evt.Amount),
		FromState:  evt.FromState,
		ToState:    evt.ToState,
		Reason:     evt.Reason,
		Attempts:   evt.Attempts,
		EventType:  evt.EventType,
		OccurredAt: evt.OccurredAt,
	}
	if evt.InvoiceID != uuid.Nil {
		p.InvoiceID = evt.InvoiceID.String()
	}
	if d := evt.Distribution; d != nil {
		for _, payout := range d.Payouts {
			p.Payouts = append(p.Payouts, PayoutJSON{
				Investor:  payout.Investor,
				Principal: int64(payout.Principal),
				Payout:    int64(payout.Payout),
			})
		}
		residual := int64(d.Residual)
		p.Residual = &residual
	}
	return p
}

// ChainPublisher mirrors decoded chain events onto the inbound subjects so
// a standalone watcher can feed ledger instances over NATS. The tx hash is
// the JetStream message id.
type ChainPublisher struct {
	js     Publisher
	logger zerolog.Logger
}

func NewChainPublisher(js Publisher, logger zerolog.Logger) *ChainPublisher {
	return &ChainPublisher{js: js, logger: logger}
}

// Submit publishes evt and reports OutcomeApplied once the stream has it.
func (cp *ChainPublisher) Submit(ctx context.Context, evt event.Event, done reconcile.DoneFunc) error {
	data, err := MarshalEvent(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.IdempotencyKey(), err)
	}
	ack, err := cp.js.Publish(ctx, ChainSubject(evt), data, jetstream.WithMsgID(evt.IdempotencyKey()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.IdempotencyKey(), err)
	}
	if ack != nil && ack.Duplicate {
		cp.logger.Debug().Str("tx_hash", evt.IdempotencyKey()).Msg("chain event already on stream")
	}
	if done != nil {
		done(reconcile.OutcomeApplied, nil)
	}
	return nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       LedgerEventsStream,
		Subjects:   []string{"invoice.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
