package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"InvoiceLedger/internal/event"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
)

var ErrMalformedEvent = errors.New("malformed chain event")

// ParseRawEvent converts a RawEvent (JSON bytes plus its subject's event
// type) into a typed event.Event. Amount and state validation is left to
// the ledger; the parser only rejects payloads it cannot represent.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	return ParsePayload(raw.EventType, raw.Data)
}

// ParsePayload decodes one chain event payload of the given type.
func ParsePayload(eventType event.EventType, data []byte) (event.Event, error) {
	var j chainEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", eventType, err, ErrMalformedEvent)
	}
	meta, err := j.meta()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}

	switch eventType {
	case event.EventTypeMinted:
		invoiceID, err := uuid.Parse(j.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("parse invoice_id %q: %v: %w", j.InvoiceID, err, ErrMalformedEvent)
		}
		return &event.Minted{Meta: meta, InvoiceID: invoiceID}, nil
	case event.EventTypeFunded:
		return &event.Funded{Meta: meta}, nil
	case event.EventTypeRepaymentDeposited:
		return &event.RepaymentDeposited{Meta: meta}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d: %w", eventType, ErrMalformedEvent)
	}
}

// --- JSON wire format ---
// Field names use snake_case to match the upstream indexer.

type chainEventJSON struct {
	TxHash      string `json:"tx_hash"`
	TokenID     string `json:"token_id"`
	Actor       string `json:"actor"`
	Amount      int64  `json:"amount"` // minor units
	BlockNumber uint64 `json:"block_number"`
	TxIndex     uint32 `json:"tx_index"`
	LogIndex    uint32 `json:"log_index"`
	BlockTime   int64  `json:"block_time"` // unix seconds
	InvoiceID   string `json:"invoice_id,omitempty"`
}

func (j chainEventJSON) meta() (event.Meta, error) {
	if j.TxHash == "" {
		return event.Meta{}, fmt.Errorf("missing tx_hash: %w", ErrMalformedEvent)
	}
	if j.TokenID == "" {
		return event.Meta{}, fmt.Errorf("missing token_id: %w", ErrMalformedEvent)
	}
	return event.Meta{
		TxHash: strings.ToLower(j.TxHash),
		Token:  j.TokenID,
		Actor:  strings.ToLower(j.Actor),
		Amount: fpmath.Amount(j.Amount),
		Chain: event.ChainPosition{
			BlockNumber: j.BlockNumber,
			TxIndex:     j.TxIndex,
			LogIndex:    j.LogIndex,
		},
		BlockTime: time.Unix(j.BlockTime, 0).UTC(),
	}, nil
}

// MarshalEvent is the inverse of ParsePayload. Used by the chain watcher
// when mirroring decoded logs onto NATS and by tests.
func MarshalEvent(evt event.Event) ([]byte, error) {
	h := evt.Header()
	j := chainEventJSON{
		TxHash:      h.TxHash,
		TokenID:     h.Token,
		Actor:       h.Actor,
		Amount:      int64(h.Amount),
		BlockNumber: h.Chain.BlockNumber,
		TxIndex:     h.Chain.TxIndex,
		LogIndex:    h.Chain.LogIndex,
		BlockTime:   h.BlockTime.Unix(),
	}
	if m, ok := evt.(*event.Minted); ok {
		j.InvoiceID = m.InvoiceID.String()
	}
	return json.Marshal(j)
}
