package ledger

import (
	"errors"
	"fmt"

	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"

	"github.com/google/uuid"
)

var (
	// Expected under replay; callers treat it as a successful no-op.
	ErrDuplicateEvent = errors.New("duplicate event")

	// Business-rule violations
	ErrOverfundingRejected = errors.New("overfunding rejected")
	ErrPrematureRepayment  = errors.New("premature repayment")
	ErrInvalidTransition   = lifecycle.ErrInvalidTransition
	ErrTermsFrozen         = errors.New("invoice terms are frozen")
	ErrInvalidTerms        = errors.New("invalid invoice terms")

	// Predecessor missing; the reconciler holds and retries these.
	ErrNotListed       = errors.New("invoice not listed")
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrTokenNotFound   = errors.New("token not linked to an invoice")

	// Store-level conflicts
	ErrAlreadyApplied  = errors.New("tx hash already applied")
	ErrVersionConflict = errors.New("invoice version conflict")
	ErrTokenConflict   = errors.New("token already linked")
)

// ViolationError carries the audit context of a rejected ledger operation.
type ViolationError struct {
	Err       error
	InvoiceID uuid.UUID
	TxHash    string
	Amount    fpmath.Amount
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("invoice=%s tx=%s amount=%d: %v", e.InvoiceID, e.TxHash, e.Amount, e.Err)
}

func (e *ViolationError) Unwrap() error {
	return e.Err
}

func violation(err error, invoiceID uuid.UUID, txHash string, amount fpmath.Amount) error {
	return &ViolationError{Err: err, InvoiceID: invoiceID, TxHash: txHash, Amount: amount}
}

// IsBusinessViolation reports errors surfaced to operators as conflicts.
func IsBusinessViolation(err error) bool {
	return errors.Is(err, ErrOverfundingRejected) ||
		errors.Is(err, ErrPrematureRepayment) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTermsFrozen)
}
