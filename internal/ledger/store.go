package ledger

import (
	"context"

	"InvoiceLedger/internal/lifecycle"

	"github.com/google/uuid"
)

// Store persists invoices and their append-only records. Implementations
// must apply a Mutation atomically and return copies from reads.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	LoadInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	InvoiceByToken(ctx context.Context, tokenID string) (*Invoice, error)
	ListInvoicesByState(ctx context.Context, states ...lifecycle.State) ([]*Invoice, error)

	// LoadBook reads the invoice with its contributions and repayments in
	// one consistent snapshot.
	LoadBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ContributionsByInvestor(ctx context.Context, investor string) ([]Contribution, error)
	StateHistory(ctx context.Context, id uuid.UUID) ([]StateChange, error)

	IsApplied(ctx context.Context, txHash string) (bool, error)

	// Commit applies m all-or-nothing. It fails with ErrAlreadyApplied when
	// m.AppliedTxHash is known and ErrVersionConflict when the stored
	// version differs from m.ExpectedVersion.
	Commit(ctx context.Context, m Mutation) error
}

// Mutation is one atomic ledger write.
type Mutation struct {
	InvoiceID       uuid.UUID
	ExpectedVersion int64

	// Replacement invoice row; Version is bumped by the store
	Invoice *Invoice

	Contribution *Contribution
	Repayment    *Repayment
	StateChanges []StateChange

	// Idempotency marker; empty for operator commands
	AppliedTxHash string
	AppliedKind   string
}
