package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/reconcile"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const ChainStream = "INVOICE_CHAIN"

const (
	// EscalateAfterDeliveries is the delivery count at which a message that
	// still fails on infrastructure is handed to the reconciler as
	// unresolved instead of being redelivered again.
	EscalateAfterDeliveries = 5

	nakDelay = 2 * time.Second
)

// NATSSubscriber subscribes to the indexer's JetStream subjects and feeds
// raw chain events into eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a NATS message that has not been parsed yet.
type RawEvent struct {
	Subject    string
	EventType  event.EventType
	Data       []byte
	Timestamp  time.Time
	Deliveries uint64 // 1 on first delivery
	AckFunc    func() // processed, or recorded as rejected/unresolved
	NakFunc    func() // infrastructure failure; redeliver
	TermFunc   func() // unparseable; never redeliver
}

// SubjectConfig maps a NATS subject to a durable consumer. A zero
// EventType takes the type from each message's subject.
type SubjectConfig struct {
	Subject      string
	EventType    event.EventType
	ConsumerName string
	StreamName   string

	// MaxAckPending bounds unacked messages; 1 keeps stream order across
	// redeliveries. Zero uses the server default.
	MaxAckPending int
}

// DefaultSubjects returns one consumer over every chain subject, so events
// of one token reach the reconciler in stream order whatever their type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{{
		Subject:       "invoice.chain.>",
		ConsumerName:  "ledger-chain",
		StreamName:    ChainStream,
		MaxAckPending: 1,
	}}
}

var chainKinds = map[event.EventType]string{
	event.EventTypeMinted:             "minted",
	event.EventTypeFunded:             "funded",
	event.EventTypeRepaymentDeposited: "repaid",
}

// ChainSubject returns the inbound subject for evt:
// invoice.chain.{kind}.{token_id}.
func ChainSubject(evt event.Event) string {
	kind, ok := chainKinds[evt.EventType()]
	if !ok {
		kind = "unknown"
	}
	return fmt.Sprintf("invoice.chain.%s.%s", kind, evt.TokenID())
}

// SubjectEventType is the inverse of ChainSubject's kind segment.
// Unrecognised subjects yield EventTypeUnknown.
func SubjectEventType(subject string) event.EventType {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 || parts[0] != "invoice" || parts[1] != "chain" {
		return event.EventTypeUnknown
	}
	for et, kind := range chainKinds {
		if kind == parts[2] {
			return et
		}
	}
	return event.EventTypeUnknown
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK and ack_wait=30s, and never stop redelivering
// on their own: Forward escalates a message after EscalateAfterDeliveries.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    -1,
			MaxAckPending: cfg.MaxAckPending,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:    msg.Subject(),
				EventType:  eventType,
				Data:       msg.Data(),
				Timestamp:  time.Now(),
				Deliveries: 1,
				AckFunc:    func() { _ = msg.Ack() },
				NakFunc:    func() { _ = msg.NakWithDelay(nakDelay) },
				TermFunc:   func() { _ = msg.Term() },
			}
			if raw.EventType == event.EventTypeUnknown {
				raw.EventType = SubjectEventType(msg.Subject())
			}
			if md, err := msg.Metadata(); err == nil {
				raw.Deliveries = md.NumDelivered
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound chain stream if it doesn't exist.
// The stream uses FileStorage, retention=Limits, max_age=72h, and a
// duplicate window so re-published tx hashes are dropped by the server.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       ChainStream,
		Subjects:   []string{"invoice.chain.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ChainStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// Submitter is the part of reconcile.Dispatcher the ingest loop drives.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event, done reconcile.DoneFunc) error
}

// Forward parses raw events and submits them until ctx is cancelled or
// events is closed. The NATS message is settled when the reconciler
// reports an outcome: held, rejected and unresolved events are acked
// because the ledger now owns them; infrastructure failures are nak'd
// until the message has been delivered EscalateAfterDeliveries times,
// then escalated as unresolved through esc and acked. A nil esc keeps
// redelivering.
func Forward(ctx context.Context, events <-chan RawEvent, sub Submitter, esc reconcile.Escalator, metrics *observability.Metrics, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			forwardOne(ctx, raw, sub, esc, metrics, logger)
		}
	}
}

func forwardOne(ctx context.Context, raw RawEvent, sub Submitter, esc reconcile.Escalator, metrics *observability.Metrics, logger zerolog.Logger) {
	count := func(outcome string) {
		if metrics != nil {
			metrics.NATSMessages.WithLabelValues(raw.EventType.String(), outcome).Inc()
		}
	}

	evt, err := ParseRawEvent(raw)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		count("malformed")
		call(raw.TermFunc)
		return
	}

	err = sub.Submit(ctx, evt, func(outcome reconcile.Outcome, err error) {
		if outcome != 0 {
			count(outcome.String())
			call(raw.AckFunc)
			return
		}
		if esc == nil || raw.Deliveries < EscalateAfterDeliveries || errors.Is(err, reconcile.ErrDispatcherClosed) {
			logger.Error().Err(err).Str("tx_hash", evt.IdempotencyKey()).Uint64("deliveries", raw.Deliveries).Msg("apply failed, redelivering")
			count("nak")
			call(raw.NakFunc)
			return
		}
		if eerr := esc.Escalate(context.WithoutCancel(ctx), evt, int(raw.Deliveries), err); eerr != nil {
			logger.Error().Err(eerr).Str("tx_hash", evt.IdempotencyKey()).Msg("escalate failed, redelivering")
			count("nak")
			call(raw.NakFunc)
			return
		}
		count(reconcile.OutcomeUnresolved.String())
		call(raw.AckFunc)
	})
	if err != nil {
		if !errors.Is(err, reconcile.ErrDispatcherClosed) && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Str("tx_hash", evt.IdempotencyKey()).Msg("submit failed")
		}
		count("nak")
		call(raw.NakFunc)
	}
}

func call(f func()) {
	if f != nil {
		f()
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("invoice-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
