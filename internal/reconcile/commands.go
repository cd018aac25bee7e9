package reconcile

import (
	"context"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/ledger"

	"github.com/google/uuid"
)

// Operator commands go through the reconciler so their domain events reach
// the emitter and so parked chain events blocked on them are retried.

func (r *Reconciler) RegisterInvoice(ctx context.Context, in ledger.NewInvoice) (*ledger.Invoice, error) {
	inv, err := r.ledger.RegisterInvoice(ctx, in)
	if err != nil {
		return nil, err
	}

	// A Minted event may have arrived before the invoice was registered
	for _, token := range r.parking.Tokens() {
		for _, p := range r.parking.Pending(token) {
			if m, ok := p.Event.(*event.Minted); ok && m.InvoiceID == inv.ID {
				r.resume(ctx, token)
				break
			}
		}
	}
	return inv, nil
}

func (r *Reconciler) UpdateTerms(ctx context.Context, id uuid.UUID, terms ledger.Terms) (*ledger.Invoice, error) {
	return r.ledger.UpdateTerms(ctx, id, terms)
}

func (r *Reconciler) Approve(ctx context.Context, id uuid.UUID, v ledger.Verification, reference string) (*ledger.TransitionResult, error) {
	return r.afterTransition(ctx)(r.ledger.Approve(ctx, id, v, reference))
}

func (r *Reconciler) Disburse(ctx context.Context, id uuid.UUID, payoutRef string) (*ledger.TransitionResult, error) {
	return r.afterTransition(ctx)(r.ledger.Disburse(ctx, id, payoutRef))
}

func (r *Reconciler) OpenRepaymentWindow(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error) {
	return r.afterTransition(ctx)(r.ledger.OpenRepaymentWindow(ctx, id, reference))
}

func (r *Reconciler) Settle(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error) {
	return r.afterTransition(ctx)(r.ledger.Settle(ctx, id, reference))
}

func (r *Reconciler) MarkDefault(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error) {
	return r.afterTransition(ctx)(r.ledger.MarkDefault(ctx, id, reference))
}

func (r *Reconciler) afterTransition(ctx context.Context) func(*ledger.TransitionResult, error) (*ledger.TransitionResult, error) {
	return func(res *ledger.TransitionResult, err error) (*ledger.TransitionResult, error) {
		if err != nil {
			return nil, err
		}
		r.emit(ctx, res.Events)
		if res.Invoice.TokenID != "" {
			r.resume(ctx, res.Invoice.TokenID)
		}
		return res, nil
	}
}

func (r *Reconciler) resume(ctx context.Context, token string) {
	if len(r.parking.Pending(token)) == 0 {
		return
	}
	unlock := r.tokens.Lock(token)
	defer unlock()

	if err := r.drainLocked(ctx, token, false, event.ChainPosition{}); err != nil {
		r.logger.Error().Err(err).Str("token_id", token).Msg("resume parked events failed")
	}
}
