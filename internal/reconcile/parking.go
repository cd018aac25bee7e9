package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"InvoiceLedger/internal/event"

	"github.com/cenkalti/backoff/v5"
)

// Parked is a chain event waiting for its predecessor, or, when Deferred,
// waiting out the reorder window before its first attempt.
type Parked struct {
	Event       event.Event
	Attempts    int
	FirstHeldAt time.Time
	NextAttempt time.Time
	LastError   string
	Deferred    bool
	Unresolved  bool

	schedule *backoff.ExponentialBackOff
}

// ready reports whether p may be attempted at now.
func (p *Parked) ready(now time.Time) bool {
	return !p.Deferred || !p.NextAttempt.After(now)
}

// ParkStore persists the parking lot so events acked upstream survive a
// restart. Entries are keyed by tx hash; SaveParked replaces.
type ParkStore interface {
	SaveParked(ctx context.Context, p *Parked) error
	DeleteParked(ctx context.Context, txHash string) error
	LoadParked(ctx context.Context) ([]*Parked, error)
}

// HoldPolicy shapes the retry schedule of parked events.
type HoldPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // RandomizationFactor; 0 gives a fixed schedule
}

func DefaultHoldPolicy() HoldPolicy {
	return HoldPolicy{
		MaxAttempts:     8,
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p HoldPolicy) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// ParkingLot holds out-of-order events per token, in causal order, plus
// the events that exhausted their attempts and await an operator.
type ParkingLot struct {
	mu         sync.Mutex
	policy     HoldPolicy
	byToken    map[string][]*Parked
	unresolved map[string]*Parked // tx hash -> entry
}

func NewParkingLot(policy HoldPolicy) *ParkingLot {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultHoldPolicy().MaxAttempts
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &ParkingLot{
		policy:     policy,
		byToken:    make(map[string][]*Parked),
		unresolved: make(map[string]*Parked),
	}
}

// Hold parks evt after its first failed attempt. A deferred entry becomes
// an ordinary hold. An entry that is already held is returned unchanged:
// only Attempt counts retries. It returns the entry and whether it has
// exhausted its attempts; exhausted entries move to the unresolved set.
func (pl *ParkingLot) Hold(evt event.Event, cause error, now time.Time) (*Parked, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	token := evt.TokenID()
	entry := pl.find(token, evt.IdempotencyKey())
	switch {
	case entry == nil:
		entry = &Parked{Event: evt, FirstHeldAt: now, schedule: pl.policy.newSchedule()}
		pl.insertLocked(entry)
	case entry.Deferred:
		entry.Deferred = false
	default:
		return entry, false
	}
	return entry, pl.attemptLocked(entry, cause, now)
}

// Attempt records another failed retry of a held entry.
func (pl *ParkingLot) Attempt(token, txHash string, cause error, now time.Time) (*Parked, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	entry := pl.find(token, txHash)
	if entry == nil || entry.Deferred {
		return entry, false
	}
	return entry, pl.attemptLocked(entry, cause, now)
}

// Defer parks evt until the reorder window closes at until.
func (pl *ParkingLot) Defer(evt event.Event, now, until time.Time) *Parked {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if entry := pl.find(evt.TokenID(), evt.IdempotencyKey()); entry != nil {
		return entry
	}
	entry := &Parked{
		Event:       evt,
		FirstHeldAt: now,
		NextAttempt: until,
		Deferred:    true,
		schedule:    pl.policy.newSchedule(),
	}
	pl.insertLocked(entry)
	return entry
}

// Escalate puts evt straight into the unresolved set.
func (pl *ParkingLot) Escalate(evt event.Event, attempts int, cause error, now time.Time) *Parked {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.removeLocked(evt.TokenID(), evt.IdempotencyKey())
	entry := &Parked{
		Event:       evt,
		Attempts:    attempts,
		FirstHeldAt: now,
		NextAttempt: now,
		Unresolved:  true,
		schedule:    pl.policy.newSchedule(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	pl.unresolved[evt.IdempotencyKey()] = entry
	return entry
}

// Restore reinstates an entry loaded from a ParkStore.
func (pl *ParkingLot) Restore(p *Parked) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p.schedule = pl.policy.newSchedule()
	for i := 0; i < p.Attempts; i++ {
		p.schedule.NextBackOff()
	}
	if p.Unresolved {
		pl.unresolved[p.Event.IdempotencyKey()] = p
		return
	}
	if pl.find(p.Event.TokenID(), p.Event.IdempotencyKey()) == nil {
		pl.insertLocked(p)
	}
}

// Contains reports whether txHash is parked for token.
func (pl *ParkingLot) Contains(token, txHash string) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.find(token, txHash) != nil
}

// IsUnresolved reports whether txHash sits in the unresolved set.
func (pl *ParkingLot) IsUnresolved(txHash string) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	_, ok := pl.unresolved[txHash]
	return ok
}

// Remove drops a parked event once it has been applied or rejected.
func (pl *ParkingLot) Remove(token, txHash string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.removeLocked(token, txHash)
}

// Pending returns the parked events of token in causal order.
func (pl *ParkingLot) Pending(token string) []*Parked {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return append([]*Parked(nil), pl.byToken[token]...)
}

// DueTokens lists tokens with at least one entry due at now.
func (pl *ParkingLot) DueTokens(now time.Time) []string {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var tokens []string
	for token, entries := range pl.byToken {
		for _, e := range entries {
			if !e.NextAttempt.After(now) {
				tokens = append(tokens, token)
				break
			}
		}
	}
	sort.Strings(tokens)
	return tokens
}

// Tokens lists every token with parked events.
func (pl *ParkingLot) Tokens() []string {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	tokens := make([]string, 0, len(pl.byToken))
	for token := range pl.byToken {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func (pl *ParkingLot) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	n := 0
	for _, entries := range pl.byToken {
		n += len(entries)
	}
	return n
}

// Unresolved lists escalated events ordered by chain position.
func (pl *ParkingLot) Unresolved() []*Parked {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]*Parked, 0, len(pl.unresolved))
	for _, e := range pl.unresolved {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Event.Position().Less(out[j].Event.Position())
	})
	return out
}

// TakeUnresolved removes an escalated event so an operator can retry it.
func (pl *ParkingLot) TakeUnresolved(txHash string) (*Parked, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	e, ok := pl.unresolved[txHash]
	if ok {
		delete(pl.unresolved, txHash)
		e.Unresolved = false
	}
	return e, ok
}

func (pl *ParkingLot) attemptLocked(entry *Parked, cause error, now time.Time) bool {
	entry.Attempts++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	entry.NextAttempt = now.Add(entry.schedule.NextBackOff())

	if entry.Attempts < pl.policy.MaxAttempts {
		return false
	}
	key := entry.Event.IdempotencyKey()
	pl.removeLocked(entry.Event.TokenID(), key)
	entry.Unresolved = true
	pl.unresolved[key] = entry
	return true
}

func (pl *ParkingLot) insertLocked(entry *Parked) {
	token := entry.Event.TokenID()
	pl.byToken[token] = append(pl.byToken[token], entry)
	pl.sortLocked(token)
}

func (pl *ParkingLot) find(token, txHash string) *Parked {
	for _, e := range pl.byToken[token] {
		if e.Event.IdempotencyKey() == txHash {
			return e
		}
	}
	return nil
}

func (pl *ParkingLot) removeLocked(token, txHash string) {
	entries := pl.byToken[token]
	for i, e := range entries {
		if e.Event.IdempotencyKey() == txHash {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(pl.byToken, token)
		return
	}
	pl.byToken[token] = entries
}

func (pl *ParkingLot) sortLocked(token string) {
	entries := pl.byToken[token]
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Event.Position().Less(entries[j].Event.Position())
	})
}
