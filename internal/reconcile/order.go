package reconcile

import (
	"sync"

	"InvoiceLedger/internal/event"
)

// highWater tracks, per token, the furthest chain position the reconciler
// has settled (applied, rejected or found duplicate). A new arrival below
// it can no longer be ordered and is reported instead of applied.
type highWater struct {
	mu  sync.Mutex
	pos map[string]event.ChainPosition
}

func newHighWater() *highWater {
	return &highWater{pos: make(map[string]event.ChainPosition)}
}

func (h *highWater) Advance(token string, p event.ChainPosition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.pos[token]; !ok || cur.Less(p) {
		h.pos[token] = p
	}
}

func (h *highWater) Get(token string) (event.ChainPosition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pos[token]
	return p, ok
}

// IsLate reports whether p is below the token's high-water mark.
func (h *highWater) IsLate(token string, p event.ChainPosition) bool {
	cur, ok := h.Get(token)
	return ok && p.Less(cur)
}
