package reconcile

import (
	"container/list"
	"context"
	"sync"

	"InvoiceLedger/internal/observability"
)

// AppliedChecker is the durable tier of deduplication.
type AppliedChecker interface {
	IsApplied(ctx context.Context, txHash string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication keyed by tx hash.
// A tx hash is unique across event types, so the type is only a metric label.
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU
	lru *IdempotencyLRU

	// Tier 2: the ledger store
	applied AppliedChecker

	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, applied AppliedChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		applied: applied,
		metrics: metrics,
	}
}

// IsDuplicate checks both tiers. A tier-2 failure is reported as "not a
// duplicate": the ledger's own applied check still guards the commit.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType, txHash string) bool {
	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(txHash) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	// Tier 2: store check (cold path)
	if ic.applied == nil {
		return false
	}
	isDup, err := ic.applied.IsApplied(ctx, txHash)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "store")
		ic.MarkProcessed(txHash)
		return true
	}
	return false
}

// MarkProcessed adds txHash to the LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(txHash string) {
	evicted := ic.lru.Add(txHash)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a bounded, goroutine-safe LRU of tx hashes.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts key (or promotes it) and reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

// Warm loads recently applied keys, oldest first.
func (lru *IdempotencyLRU) Warm(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
