package event

import (
	"sort"

	"github.com/google/uuid"
)

// Minted links an invoice NFT to the off-chain invoice. Amount is the face value.
type Minted struct {
	Meta
	InvoiceID uuid.UUID
}

func (m *Minted) EventType() EventType {
	return EventTypeMinted
}

// Funded is an investor contribution escrowed on-chain.
type Funded struct {
	Meta
}

func (f *Funded) EventType() EventType {
	return EventTypeFunded
}

// RepaymentDeposited is a payer deposit into escrow.
type RepaymentDeposited struct {
	Meta
}

func (r *RepaymentDeposited) EventType() EventType {
	return EventTypeRepaymentDeposited
}

// SortByPosition orders events causally in place.
func SortByPosition(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Less(events[j].Position())
	})
}
