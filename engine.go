package persistcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options configures an Engine.
//
// Namespace scopes this cache's rows within a shared persistent store.
// Keys is required whenever Store is set.
type Options[K comparable, V any] struct {
	Namespace string

	// Store enables persistence. Nil means memory-only.
	Store PersistentStore

	// Keys maps cache keys to store keys. Required when Store is set.
	Keys KeyCodec[K]

	// Codec serializes values for the store. Defaults to MsgpackCodec.
	Codec Codec[V]

	// ScanFrequency is the minimum interval between background expiration
	// sweeps. Nil defaults to one minute; an explicit zero scans on every
	// triggering operation.
	ScanFrequency *time.Duration

	// FlushTimeout bounds how long Close waits for the write-behind queue
	// to drain. Default 5s.
	FlushTimeout time.Duration

	// MissMemoSize and MissMemoTTL size the negative-lookup memo used by
	// the lazy fill path. Defaults: 1024 entries, 30s.
	MissMemoSize int
	MissMemoTTL  time.Duration

	// Logger is the diagnostic side channel for background failures.
	// Nil disables logging.
	Logger *zap.Logger

	// Now overrides the clock, e.g. in tests.
	Now func() time.Time
}

func (o *Options[K, V]) Init() error {
	if o.Store != nil && o.Keys == nil {
		return errors.New("persistcache: Keys codec is required when Store is set")
	}
	if o.Codec == nil {
		o.Codec = &MsgpackCodec[V]{}
	}
	if o.ScanFrequency == nil {
		d := time.Minute
		o.ScanFrequency = &d
	}
	if *o.ScanFrequency < 0 {
		return fmt.Errorf("persistcache: ScanFrequency must not be negative, got %v", *o.ScanFrequency)
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.MissMemoSize <= 0 {
		o.MissMemoSize = 1024
	}
	if o.MissMemoTTL <= 0 {
		o.MissMemoTTL = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// Engine is an in-process object cache whose entries optionally survive
// restarts by shadowing every mutation into a PersistentStore. The in-memory
// table is always the source of truth; the store converges behind it through
// a write-behind queue.
type Engine[K comparable, V any] struct {
	opts     *Options[K, V]
	table    *entryTable[K, V]
	notifier *evictionNotifier[K, V]
	bridge   *persistenceBridge[K, V] // nil when persistence is disabled
	throttle *scanThrottle
	now      func() time.Time

	bgMu      sync.Mutex
	bgWg      sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds an engine. When a store is configured, its rows for the
// namespace are reloaded into memory before New returns; a load failure
// fails construction.
func New[K comparable, V any](opts *Options[K, V]) (*Engine[K, V], error) {
	if opts == nil {
		opts = &Options[K, V]{}
	}
	if err := opts.Init(); err != nil {
		return nil, err
	}
	e := &Engine[K, V]{
		opts:     opts,
		table:    newEntryTable[K, V](),
		notifier: newEvictionNotifier[K, V](opts.Logger),
		throttle: &scanThrottle{frequency: *opts.ScanFrequency},
		now:      opts.Now,
	}
	e.throttle.lastScan.Store(e.now().UnixNano())

	if opts.Store != nil {
		e.bridge = newPersistenceBridge[K, V](opts)
		entries, err := e.bridge.reload(context.Background())
		if err != nil {
			e.bridge.close(opts.FlushTimeout)
			e.notifier.close()
			return nil, fmt.Errorf("persistcache: startup reload failed: %w", err)
		}
		// Already durable: installed directly, bypassing write-through.
		for _, ent := range entries {
			e.table.installIfAbsent(ent, nil)
		}
	}
	return e, nil
}

// Get returns the live value for the key. An entry found expired is retired
// on the spot. On a memory miss with persistence enabled the store is
// consulted and a durable row is revived as a fresh live entry.
func (e *Engine[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if e.closed.Load() {
		return zero, false, ErrClosed
	}
	if ent, ok := e.table.get(key); ok {
		now := e.now()
		if !ent.expired(now) {
			ent.touch(now)
			e.maybeScan()
			return ent.value, true, nil
		}
		// Found but expired: retire it and report a miss. The store is not
		// consulted here; its delete for this entry may still be queued and
		// reviving the row would resurrect a dead entry.
		e.removeEntry(ent)
		e.maybeScan()
		return zero, false, nil
	}
	if e.bridge != nil {
		if ent, ok := e.bridge.fill(key); ok {
			// A fill re-enters the write path: the upsert refreshes the
			// row's stored recency, and ordering under the table lock keeps
			// it from landing after a concurrent Set's write for this key.
			cur, installed := e.table.installIfAbsent(ent, func() {
				e.bridge.enqueueUpsert(ent)
			})
			e.maybeScan()
			if installed {
				return ent.value, true, nil
			}
			if cur == nil {
				// The revived entry was retired before it could be
				// installed; its removal is already shadowed.
				return zero, false, nil
			}
			// A foreground write won the race; serve that entry instead.
			now := e.now()
			if !cur.expired(now) {
				cur.touch(now)
				return cur.value, true, nil
			}
			e.removeEntry(cur)
			return zero, false, nil
		}
	}
	e.maybeScan()
	return zero, false, nil
}

// Set installs a new entry for the key, retiring any previous one with
// ReasonReplaced. An entry that is already expired at insertion time is
// never installed: it is evicted immediately and only its callbacks fire.
func (e *Engine[K, V]) Set(key K, value V, policy *EntryPolicy[K, V]) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if policy == nil {
		policy = &EntryPolicy[K, V]{}
	}
	if err := policy.validate(); err != nil {
		return err
	}
	now := e.now()
	ent := newEntry(key, value, policy, now)
	live := !ent.expired(now)
	prev := e.table.swap(key, ent, live, func(prev *entry[K, V]) {
		if e.bridge == nil {
			return
		}
		if prev != nil {
			e.bridge.onEvicted(prev)
		}
		if live {
			e.bridge.enqueueUpsert(ent)
		} else if prev == nil {
			// Nothing in memory, but a capacity-retained row for this key
			// may still exist; an expired-at-insert Set must not leave it
			// behind to be lazily revived with the old value.
			e.bridge.enqueueDeleteKey(key)
		}
	})
	if prev != nil {
		e.notifier.enqueue(prev)
	}
	if !live {
		e.notifier.enqueue(ent)
		e.maybeScan()
		return nil
	}
	e.attachTokens(ent)
	e.maybeScan()
	return nil
}

// Remove retires the live entry for the key, if any. Removing an absent key
// is not an error and a repeated Remove never double-fires callbacks.
func (e *Engine[K, V]) Remove(key K) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if ent, ok := e.table.get(key); ok {
		ent.markEvicted(ReasonRemoved)
		e.removeEntry(ent)
	} else if e.bridge != nil {
		// The key may live only as a capacity-retained durable row; Remove
		// must reach it too, or a later Get would resurrect it.
		e.bridge.enqueueDeleteKey(key)
	}
	e.maybeScan()
	return nil
}

// Contains reports whether a live, unexpired entry exists for the key
// without refreshing its sliding window and without consulting the store.
func (e *Engine[K, V]) Contains(key K) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	ent, ok := e.table.get(key)
	if !ok {
		return false, nil
	}
	if ent.expired(e.now()) {
		e.removeEntry(ent)
		return false, nil
	}
	return true, nil
}

// Keys returns a point-in-time snapshot of the live, unexpired keys.
func (e *Engine[K, V]) Keys() ([]K, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	now := e.now()
	var keys []K
	for _, ent := range e.table.snapshot() {
		if !ent.expired(now) {
			keys = append(keys, ent.key)
		}
	}
	return keys, nil
}

// Len is the number of entries currently in the table, expired or not.
func (e *Engine[K, V]) Len() int {
	return e.table.len()
}

// PendingWrites is the write-behind queue depth. Always zero when
// persistence is disabled.
func (e *Engine[K, V]) PendingWrites() int {
	if e.bridge == nil {
		return 0
	}
	return e.bridge.pendingWrites()
}

// Close stops accepting operations, waits for in-flight background work,
// drains eviction callbacks, flushes the write-behind queue up to
// FlushTimeout and releases the store. Idempotent.
func (e *Engine[K, V]) Close() error {
	e.closeOnce.Do(func() {
		e.bgMu.Lock()
		e.closed.Store(true)
		e.bgMu.Unlock()
		e.bgWg.Wait()
		e.notifier.close()
		if e.bridge != nil {
			e.bridge.close(e.opts.FlushTimeout)
			e.closeErr = e.bridge.store.Close()
		}
	})
	return e.closeErr
}

// removeEntry is the single funnel through which entries leave the table.
// The identity re-check guarantees a stale removal never clobbers a
// concurrent replace, and that store shadowing and callback dispatch happen
// exactly once per entry. The caller has already set the eviction reason.
func (e *Engine[K, V]) removeEntry(ent *entry[K, V]) {
	removed := e.table.removeIfSame(ent, func() {
		if e.bridge != nil {
			e.bridge.onEvicted(ent)
		}
	})
	if removed {
		e.notifier.enqueue(ent)
	}
}

// removeEntries is the bulk counterpart used by the scanner and the
// compactor: the whole set leaves the table under one exclusive section.
func (e *Engine[K, V]) removeEntries(ents []*entry[K, V]) {
	removed := e.table.removeAllIfSame(ents, func(ent *entry[K, V]) {
		if e.bridge != nil {
			e.bridge.onEvicted(ent)
		}
	})
	for _, ent := range removed {
		e.notifier.enqueue(ent)
	}
}

// attachTokens registers a change callback on every token that supports
// active notification. A firing token retires the entry off the token's own
// notification path, so the removal never reenters it.
func (e *Engine[K, V]) attachTokens(ent *entry[K, V]) {
	for _, token := range ent.tokens {
		cancel, active := token.RegisterChangeCallback(func() {
			e.background(func() { e.onTokenChanged(ent) })
		})
		if active && cancel != nil {
			ent.addTokenCancel(cancel)
		}
	}
}

func (e *Engine[K, V]) onTokenChanged(ent *entry[K, V]) {
	ent.markEvicted(ReasonTokenExpired)
	e.removeEntry(ent)
}

// background runs fn on its own goroutine, tracked so Close can wait for it.
// After Close no new background work starts.
func (e *Engine[K, V]) background(fn func()) {
	e.bgMu.Lock()
	if e.closed.Load() {
		e.bgMu.Unlock()
		return
	}
	e.bgWg.Add(1)
	e.bgMu.Unlock()
	go func() {
		defer e.bgWg.Done()
		fn()
	}()
}
