package event

import (
	"time"

	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
)

// DomainEventKind discriminates ledger outputs for notification and audit.
type DomainEventKind int32

const (
	DomainEventUnknown DomainEventKind = iota
	DomainEventFullyFunded
	DomainEventSettled
	DomainEventDefaulted
	DomainEventUnresolved
	DomainEventRejected
	DomainEventStateChanged
)

func (k DomainEventKind) String() string {
	switch k {
	case DomainEventFullyFunded:
		return "FullyFunded"
	case DomainEventSettled:
		return "Settled"
	case DomainEventDefaulted:
		return "Defaulted"
	case DomainEventUnresolved:
		return "UnresolvedEvent"
	case DomainEventRejected:
		return "Rejected"
	case DomainEventStateChanged:
		return "StateChanged"
	default:
		return "Unknown"
	}
}

// DomainEvent is emitted after a ledger commit (or a rejection) for
// downstream consumers. Money fields are minor units.
type DomainEvent struct {
	Kind       DomainEventKind
	InvoiceID  uuid.UUID // uuid.Nil when the invoice is not yet known
	TokenID    string
	TxHash     string
	Amount     fpmath.Amount
	FromState  string
	ToState    string
	Reason     string
	OccurredAt time.Time

	// Settled only
	Distribution *fpmath.Distribution

	// Unresolved only
	Attempts  int
	EventType string
}
