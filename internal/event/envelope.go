package event

import (
	"fmt"
	"time"

	fpmath "InvoiceLedger/internal/math"
)

// EventType discriminator for chain event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMinted
	EventTypeFunded
	EventTypeRepaymentDeposited
)

func (et EventType) String() string {
	switch et {
	case EventTypeMinted:
		return "Minted"
	case EventTypeFunded:
		return "Funded"
	case EventTypeRepaymentDeposited:
		return "RepaymentDeposited"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "Minted":
		return EventTypeMinted, nil
	case "Funded":
		return EventTypeFunded, nil
	case "RepaymentDeposited":
		return EventTypeRepaymentDeposited, nil
	default:
		return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
	}
}

// ChainPosition is the causal ordering key of an on-chain event.
type ChainPosition struct {
	BlockNumber uint64
	TxIndex     uint32
	LogIndex    uint32
}

// Less orders by block number, then transaction index, then log index.
func (p ChainPosition) Less(o ChainPosition) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	if p.TxIndex != o.TxIndex {
		return p.TxIndex < o.TxIndex
	}
	return p.LogIndex < o.LogIndex
}

func (p ChainPosition) String() string {
	return fmt.Sprintf("%d:%d:%d", p.BlockNumber, p.TxIndex, p.LogIndex)
}

// Event is the interface all chain event payloads implement
type Event interface {
	// IdempotencyKey returns the transaction hash; unique across event types
	IdempotencyKey() string

	EventType() EventType

	// TokenID is the invoice NFT the event concerns; it partitions the stream
	TokenID() string

	Position() ChainPosition

	// Header exposes the fields common to every variant
	Header() Meta
}

// Meta carries the fields shared by every chain event.
type Meta struct {
	TxHash    string
	Token     string
	Actor     string // Issuer, investor, or payer address
	Amount    fpmath.Amount
	Chain     ChainPosition
	BlockTime time.Time
}

func (m Meta) IdempotencyKey() string  { return m.TxHash }
func (m Meta) TokenID() string         { return m.Token }
func (m Meta) Position() ChainPosition { return m.Chain }
func (m Meta) Header() Meta            { return m }
