package persistence

import (
	"context"
	"fmt"

	"InvoiceLedger/internal/event"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/reconcile"

	"github.com/google/uuid"
)

var _ reconcile.ParkStore = (*SQLStore)(nil)

// SaveParked upserts one parking lot entry.
func (s *SQLStore) SaveParked(ctx context.Context, p *reconcile.Parked) error {
	h := p.Event.Header()
	var invoiceID string
	if m, ok := p.Event.(*event.Minted); ok {
		invoiceID = m.InvoiceID.String()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO parked_events (
			tx_hash, token_id, event_type, actor, amount, block_number, tx_index, log_index, block_time,
			invoice_id, attempts, first_held_at, next_attempt, last_error, deferred, unresolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tx_hash) DO UPDATE SET
			attempts = excluded.attempts,
			next_attempt = excluded.next_attempt,
			last_error = excluded.last_error,
			deferred = excluded.deferred,
			unresolved = excluded.unresolved`,
		h.TxHash, h.Token, p.Event.EventType().String(), h.Actor, int64(h.Amount),
		int64(h.Chain.BlockNumber), int64(h.Chain.TxIndex), int64(h.Chain.LogIndex), toMicros(h.BlockTime),
		invoiceID, p.Attempts, toMicros(p.FirstHeldAt), toMicros(p.NextAttempt), p.LastError,
		flag(p.Deferred), flag(p.Unresolved),
	)
	if err != nil {
		return fmt.Errorf("save parked %s: %w", h.TxHash, err)
	}
	return nil
}

func (s *SQLStore) DeleteParked(ctx context.Context, txHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM parked_events WHERE tx_hash = $1`, txHash); err != nil {
		return fmt.Errorf("delete parked %s: %w", txHash, err)
	}
	return nil
}

// LoadParked returns every entry in causal order.
func (s *SQLStore) LoadParked(ctx context.Context) ([]*reconcile.Parked, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			tx_hash, token_id, event_type, actor, amount, block_number, tx_index, log_index, block_time,
			invoice_id, attempts, first_held_at, next_attempt, last_error, deferred, unresolved
		FROM parked_events ORDER BY token_id, block_number, tx_index, log_index`)
	if err != nil {
		return nil, fmt.Errorf("load parked: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.Parked
	for rows.Next() {
		var (
			meta                     event.Meta
			p                        reconcile.Parked
			eventType, invoiceID     string
			amount, block, blockTime int64
			txIndex, logIndex        int64
			firstHeld, next          int64
			deferred, unresolved     int
		)
		if err := rows.Scan(&meta.TxHash, &meta.Token, &eventType, &meta.Actor, &amount, &block, &txIndex, &logIndex, &blockTime,
			&invoiceID, &p.Attempts, &firstHeld, &next, &p.LastError, &deferred, &unresolved); err != nil {
			return nil, err
		}
		meta.Amount = fpmath.Amount(amount)
		meta.Chain = event.ChainPosition{BlockNumber: uint64(block), TxIndex: uint32(txIndex), LogIndex: uint32(logIndex)}
		meta.BlockTime = fromMicros(blockTime)

		if p.Event, err = parkedEvent(eventType, meta, invoiceID); err != nil {
			return nil, fmt.Errorf("parked %s: %w", meta.TxHash, err)
		}
		p.FirstHeldAt = fromMicros(firstHeld)
		p.NextAttempt = fromMicros(next)
		p.Deferred = deferred != 0
		p.Unresolved = unresolved != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

func parkedEvent(eventType string, meta event.Meta, invoiceID string) (event.Event, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	switch et {
	case event.EventTypeMinted:
		id, err := uuid.Parse(invoiceID)
		if err != nil {
			return nil, fmt.Errorf("invoice id %q: %w", invoiceID, err)
		}
		return &event.Minted{Meta: meta, InvoiceID: id}, nil
	case event.EventTypeFunded:
		return &event.Funded{Meta: meta}, nil
	default:
		return &event.RepaymentDeposited{Meta: meta}, nil
	}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
