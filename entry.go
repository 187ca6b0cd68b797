package persistcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Priority governs the order in which entries are reclaimed under memory
// pressure. Lower tiers are always exhausted before a higher tier is touched;
// PriorityNeverRemove entries are excluded from pressure-driven eviction
// entirely.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityNeverRemove
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityNeverRemove:
		return "never-remove"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// EvictionReason records why an entry left the cache. It is set exactly once
// per entry; the first writer wins.
type EvictionReason int32

const (
	ReasonNone EvictionReason = iota
	ReasonRemoved
	ReasonReplaced
	ReasonExpired
	ReasonTokenExpired
	ReasonCapacity
)

func (r EvictionReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRemoved:
		return "removed"
	case ReasonReplaced:
		return "replaced"
	case ReasonExpired:
		return "expired"
	case ReasonTokenExpired:
		return "token-expired"
	case ReasonCapacity:
		return "capacity"
	}
	return fmt.Sprintf("reason(%d)", int32(r))
}

// ChangeToken is an external change-notification handle attached to an entry.
// A token reporting HasChanged marks the entry expired immediately,
// independent of time. Tokens that support active notification invoke the
// registered callback when they fire and report active == true; passive
// tokens are only consulted on reads and scans.
type ChangeToken interface {
	HasChanged() bool
	RegisterChangeCallback(fn func()) (cancel func(), active bool)
}

// EvictionCallback is invoked exactly once after an entry has left the table,
// with the entry's final key, value and eviction reason. Callbacks run on a
// background dispatcher; a panicking callback is recovered and logged, never
// propagated.
type EvictionCallback[K comparable, V any] func(key K, value V, reason EvictionReason)

// EntryPolicy controls expiration, priority and eviction notification for a
// single entry. The zero value means: never expires, PriorityLow, no tokens,
// no callbacks.
type EntryPolicy[K comparable, V any] struct {
	// AbsoluteExpiration expires the entry once now >= this instant.
	// Zero means no absolute deadline.
	AbsoluteExpiration time.Time

	// AbsoluteExpirationFromNow is resolved against the clock at insertion
	// time. Must be positive when set. If both absolute forms are given the
	// earlier deadline wins.
	AbsoluteExpirationFromNow time.Duration

	// SlidingExpiration expires the entry once it has not been read for
	// this long. Must be positive when set. Sliding expiration never
	// extends an entry's lifetime past its absolute deadline.
	SlidingExpiration time.Duration

	Priority Priority

	Tokens []ChangeToken

	OnEvicted []EvictionCallback[K, V]
}

func (p *EntryPolicy[K, V]) validate() error {
	if p.AbsoluteExpirationFromNow < 0 {
		return fmt.Errorf("persistcache: AbsoluteExpirationFromNow must be positive, got %v", p.AbsoluteExpirationFromNow)
	}
	if p.SlidingExpiration < 0 {
		return fmt.Errorf("persistcache: SlidingExpiration must be positive, got %v", p.SlidingExpiration)
	}
	return nil
}

// entry is the single live record for a key. Immutable after installation
// except for lastAccessed (atomic, updated on reads), reason (atomic, set
// once) and the token registration bookkeeping.
type entry[K comparable, V any] struct {
	key   K
	value V

	absoluteExpiration time.Time // zero means none
	slidingExpiration  time.Duration
	priority           Priority
	tokens             []ChangeToken
	callbacks          []EvictionCallback[K, V]

	lastAccessed atomic.Int64 // unix nanos
	reason       atomic.Int32

	// storeID correlates the entry with its row in the persistent store.
	// Written only during startup reload and by the write-behind worker;
	// read only by the worker when a delete for this entry is applied.
	storeID string

	regMu   sync.Mutex
	cancels []func()
}

func newEntry[K comparable, V any](key K, value V, policy *EntryPolicy[K, V], now time.Time) *entry[K, V] {
	e := &entry[K, V]{
		key:               key,
		value:             value,
		slidingExpiration: policy.SlidingExpiration,
		priority:          policy.Priority,
		tokens:            policy.Tokens,
		callbacks:         policy.OnEvicted,
	}
	e.absoluteExpiration = policy.AbsoluteExpiration
	if policy.AbsoluteExpirationFromNow > 0 {
		deadline := now.Add(policy.AbsoluteExpirationFromNow)
		if e.absoluteExpiration.IsZero() || deadline.Before(e.absoluteExpiration) {
			e.absoluteExpiration = deadline
		}
	}
	e.lastAccessed.Store(now.UnixNano())
	return e
}

func (e *entry[K, V]) evictionReason() EvictionReason {
	return EvictionReason(e.reason.Load())
}

// markEvicted sets the eviction reason if none is set yet and detaches any
// token registrations so a dead entry cannot trigger a second notification.
// Returns true if this call won the race to retire the entry.
func (e *entry[K, V]) markEvicted(reason EvictionReason) bool {
	won := e.reason.CompareAndSwap(int32(ReasonNone), int32(reason))
	e.detachTokens()
	return won
}

func (e *entry[K, V]) detachTokens() {
	e.regMu.Lock()
	cancels := e.cancels
	e.cancels = nil
	e.regMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (e *entry[K, V]) addTokenCancel(cancel func()) {
	e.regMu.Lock()
	if e.evictionReason() != ReasonNone {
		e.regMu.Unlock()
		cancel()
		return
	}
	e.cancels = append(e.cancels, cancel)
	e.regMu.Unlock()
}

// expired reports whether the entry is dead at the given instant. Time
// conditions retire the entry with ReasonExpired, token changes with
// ReasonTokenExpired; whichever condition is detected first wins and the
// reason is sticky.
func (e *entry[K, V]) expired(now time.Time) bool {
	if e.evictionReason() != ReasonNone {
		return true
	}
	if !e.absoluteExpiration.IsZero() && !now.Before(e.absoluteExpiration) {
		e.markEvicted(ReasonExpired)
		return true
	}
	if e.slidingExpiration > 0 && now.UnixNano()-e.lastAccessed.Load() >= int64(e.slidingExpiration) {
		e.markEvicted(ReasonExpired)
		return true
	}
	for _, token := range e.tokens {
		if token.HasChanged() {
			e.markEvicted(ReasonTokenExpired)
			return true
		}
	}
	return false
}

// touch records a successful read. Racing touches are harmless; the latest
// timestamp wins.
func (e *entry[K, V]) touch(now time.Time) {
	e.lastAccessed.Store(now.UnixNano())
}
