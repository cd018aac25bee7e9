package ingestion

import (
	"context"
	"fmt"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/reconcile"
)

// ManualIngestService injects chain events by hand through the admin gRPC
// surface, e.g. to backfill a log the indexer missed. NATS and the chain
// watcher remain the normal ingestion paths.
type ManualIngestService struct {
	sub Submitter
}

func NewManualIngestService(sub Submitter) *ManualIngestService {
	return &ManualIngestService{sub: sub}
}

// InjectResult is what the reconciler did with an injected event.
type InjectResult struct {
	TxHash  string
	Outcome reconcile.Outcome
	Err     error
}

// Inject parses payload as eventType and waits for the reconciler's outcome.
// Business errors are returned inside the result; the error return is for
// parse and submission failures.
func (s *ManualIngestService) Inject(ctx context.Context, eventType string, payload []byte) (*InjectResult, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformedEvent)
	}
	evt, err := ParsePayload(et, payload)
	if err != nil {
		return nil, err
	}

	done := make(chan InjectResult, 1)
	err = s.sub.Submit(ctx, evt, func(outcome reconcile.Outcome, err error) {
		done <- InjectResult{TxHash: evt.IdempotencyKey(), Outcome: outcome, Err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", evt.IdempotencyKey(), err)
	}

	select {
	case res := <-done:
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
