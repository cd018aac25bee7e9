package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"InvoiceLedger/internal/lifecycle"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Reads take a read lock and return
// copies, so readers never observe a half-applied Mutation.
type MemoryStore struct {
	mu            sync.RWMutex
	invoices      map[uuid.UUID]*Invoice
	tokens        map[string]uuid.UUID
	contributions map[uuid.UUID][]Contribution
	repayments    map[uuid.UUID][]Repayment
	history       map[uuid.UUID][]StateChange
	applied       map[string]string // tx hash -> kind
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:      make(map[uuid.UUID]*Invoice),
		tokens:        make(map[string]uuid.UUID),
		contributions: make(map[uuid.UUID][]Contribution),
		repayments:    make(map[uuid.UUID][]Repayment),
		history:       make(map[uuid.UUID][]StateChange),
		applied:       make(map[string]string),
	}
}

func (s *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	c := inv.clone()
	c.Version = 1
	s.invoices[inv.ID] = c
	return nil
}

func (s *MemoryStore) LoadInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrInvoiceNotFound)
	}
	return inv.clone(), nil
}

func (s *MemoryStore) InvoiceByToken(_ context.Context, tokenID string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", tokenID, ErrTokenNotFound)
	}
	return s.invoices[id].clone(), nil
}

func (s *MemoryStore) ListInvoicesByState(_ context.Context, states ...lifecycle.State) ([]*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[lifecycle.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	out := make([]*Invoice, 0)
	for _, inv := range s.invoices {
		if len(want) == 0 || want[inv.State] {
			out = append(out, inv.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) LoadBook(_ context.Context, id uuid.UUID) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrInvoiceNotFound)
	}
	return &Book{
		Invoice:       inv.clone(),
		Contributions: append([]Contribution(nil), s.contributions[id]...),
		Repayments:    append([]Repayment(nil), s.repayments[id]...),
	}, nil
}

func (s *MemoryStore) ContributionsByInvestor(_ context.Context, investor string) ([]Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Contribution
	for _, list := range s.contributions {
		for _, c := range list {
			if c.Investor == investor {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FundedAt.Equal(out[j].FundedAt) {
			return out[i].FundedAt.Before(out[j].FundedAt)
		}
		return out[i].TxHash < out[j].TxHash
	})
	return out, nil
}

func (s *MemoryStore) StateHistory(_ context.Context, id uuid.UUID) ([]StateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StateChange(nil), s.history[id]...), nil
}

func (s *MemoryStore) IsApplied(_ context.Context, txHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[txHash]
	return ok, nil
}

func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before the first write
	current, ok := s.invoices[m.InvoiceID]
	if !ok {
		return fmt.Errorf("invoice %s: %w", m.InvoiceID, ErrInvoiceNotFound)
	}
	if current.Version != m.ExpectedVersion {
		return fmt.Errorf("invoice %s at version %d, expected %d: %w",
			m.InvoiceID, current.Version, m.ExpectedVersion, ErrVersionConflict)
	}
	if m.AppliedTxHash != "" {
		if _, dup := s.applied[m.AppliedTxHash]; dup {
			return fmt.Errorf("tx %s: %w", m.AppliedTxHash, ErrAlreadyApplied)
		}
	}
	if m.Invoice != nil && m.Invoice.TokenID != "" {
		if owner, linked := s.tokens[m.Invoice.TokenID]; linked && owner != m.InvoiceID {
			return fmt.Errorf("token %s linked to %s: %w", m.Invoice.TokenID, owner, ErrTokenConflict)
		}
	}

	next := current.clone()
	if m.Invoice != nil {
		next = m.Invoice.clone()
	}
	next.Version = current.Version + 1
	s.invoices[m.InvoiceID] = next

	if next.TokenID != "" {
		s.tokens[next.TokenID] = m.InvoiceID
	}
	if m.Contribution != nil {
		s.contributions[m.InvoiceID] = append(s.contributions[m.InvoiceID], *m.Contribution)
	}
	if m.Repayment != nil {
		s.repayments[m.InvoiceID] = append(s.repayments[m.InvoiceID], *m.Repayment)
	}
	s.history[m.InvoiceID] = append(s.history[m.InvoiceID], m.StateChanges...)
	if m.AppliedTxHash != "" {
		s.applied[m.AppliedTxHash] = m.AppliedKind
	}
	return nil
}
