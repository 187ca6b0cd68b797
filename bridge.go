package persistcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type writeKind int

const (
	writeUpsert writeKind = iota
	writeDelete
)

// writeOp is one pending store mutation. For upserts the payload is
// assembled in the worker, off the table lock; the entry's immutable fields
// are the source.
type writeOp[K comparable, V any] struct {
	kind writeKind
	ent  *entry[K, V] // upsert source; optional for deletes
	key  string       // marshalled key, always set
	id   string       // known row id for entry-less deletes
}

// persistenceBridge shadows entry lifecycle events into the PersistentStore.
// All store I/O for the write path runs on a single background worker fed by
// an unbounded FIFO queue, so foreground Get/Set/Remove latency is decoupled
// from storage latency. Per-key store writes apply in the order their table
// mutations were observed.
type persistenceBridge[K comparable, V any] struct {
	store     PersistentStore
	codec     Codec[V]
	keys      KeyCodec[K]
	namespace string
	logger    *zap.Logger
	now       func() time.Time

	// missMemo remembers keys recently confirmed absent from the store so
	// repeated table misses do not hammer it. Sound because this engine is
	// the store's only writer; every upsert invalidates the memo entry.
	missMemo *expirable.LRU[string, struct{}]

	// fillGroup collapses concurrent lazy fills for the same key into one
	// store lookup.
	fillGroup singleflight.Group

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []writeOp[K, V]
	closed     bool
	depth      atomic.Int64
	workerDone chan struct{}
}

func newPersistenceBridge[K comparable, V any](opts *Options[K, V]) *persistenceBridge[K, V] {
	b := &persistenceBridge[K, V]{
		store:      opts.Store,
		codec:      opts.Codec,
		keys:       opts.Keys,
		namespace:  opts.Namespace,
		logger:     opts.Logger,
		now:        opts.Now,
		missMemo:   expirable.NewLRU[string, struct{}](opts.MissMemoSize, nil, opts.MissMemoTTL),
		workerDone: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.worker()
	return b
}

// reload enumerates the namespace and synthesizes a live entry per durable
// row, preserving store id, priority, expirations, last-accessed and value.
// Rows that are already dead by their own stored policy are deleted instead.
// Called once before the engine accepts traffic; a load failure is fatal to
// construction.
func (b *persistenceBridge[K, V]) reload(ctx context.Context) ([]*entry[K, V], error) {
	records, err := b.store.LoadEntries(ctx, b.namespace)
	if err != nil {
		return nil, err
	}
	now := b.now()
	entries := make([]*entry[K, V], 0, len(records))
	for i := range records {
		rec := records[i]
		if recordStale(&rec, now) {
			b.enqueue(writeOp[K, V]{kind: writeDelete, key: rec.Key, id: rec.ID})
			continue
		}
		ent, err := b.reviveRecord(&rec)
		if err != nil {
			b.logger.Warn("skipping undecodable store row",
				zap.String("namespace", rec.Namespace),
				zap.String("key", rec.Key),
				zap.Error(err))
			continue
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

// fill consults the store for a key that missed in memory. Returns the
// revived entry on a durable hit; a stale row is deleted and reported as a
// miss. Store failures are logged and reported as misses, never propagated.
func (b *persistenceBridge[K, V]) fill(key K) (*entry[K, V], bool) {
	sk := b.keys.Marshal(key)
	if _, absent := b.missMemo.Get(sk); absent {
		return nil, false
	}
	v, _, _ := b.fillGroup.Do(sk, func() (interface{}, error) {
		rec, ok, err := b.store.Find(context.Background(), b.namespace, sk)
		if err != nil {
			b.logger.Warn("lazy fill lookup failed", zap.String("key", sk), zap.Error(err))
			return nil, nil
		}
		if !ok {
			b.missMemo.Add(sk, struct{}{})
			return nil, nil
		}
		if recordStale(&rec, b.now()) {
			b.enqueue(writeOp[K, V]{kind: writeDelete, key: sk, id: rec.ID})
			b.missMemo.Add(sk, struct{}{})
			return nil, nil
		}
		ent, err := b.reviveRecord(&rec)
		if err != nil {
			b.logger.Warn("lazy fill decode failed", zap.String("key", sk), zap.Error(err))
			return nil, nil
		}
		// Fresh access: the entry re-enters memory now.
		ent.touch(b.now())
		return ent, nil
	})
	ent, _ := v.(*entry[K, V])
	if ent == nil {
		return nil, false
	}
	return ent, true
}

func (b *persistenceBridge[K, V]) reviveRecord(rec *StoredRecord) (*entry[K, V], error) {
	key, err := b.keys.Unmarshal(rec.Key)
	if err != nil {
		return nil, err
	}
	value, err := b.codec.Decode(rec.Payload, rec.TypeTag)
	if err != nil {
		return nil, err
	}
	ent := &entry[K, V]{
		key:                key,
		value:              value,
		absoluteExpiration: rec.AbsoluteExpiration,
		slidingExpiration:  rec.SlidingExpiration,
		priority:           rec.Priority,
		storeID:            rec.ID,
	}
	ent.lastAccessed.Store(rec.LastAccessed.UnixNano())
	return ent, nil
}

// recordStale applies the row's own stored policy: a row past its absolute
// deadline, or idle past its sliding window, must not be revived.
func recordStale(rec *StoredRecord, now time.Time) bool {
	if !rec.AbsoluteExpiration.IsZero() && !now.Before(rec.AbsoluteExpiration) {
		return true
	}
	if rec.SlidingExpiration > 0 && now.Sub(rec.LastAccessed) >= rec.SlidingExpiration {
		return true
	}
	return false
}

// enqueueUpsert shadows a freshly installed entry into the store.
func (b *persistenceBridge[K, V]) enqueueUpsert(ent *entry[K, V]) {
	sk := b.keys.Marshal(ent.key)
	b.missMemo.Remove(sk)
	b.enqueue(writeOp[K, V]{kind: writeUpsert, ent: ent, key: sk})
}

// onEvicted shadows an entry's exit from the table. Capacity evictions keep
// their durable row so the entry can be lazily reloaded on a later miss;
// every other reason is terminal and deletes the row. The miss memo is
// poisoned first so a racing lazy fill cannot revive the row before the
// queued delete applies; a later upsert for the key clears the memo again.
func (b *persistenceBridge[K, V]) onEvicted(ent *entry[K, V]) {
	if ent.evictionReason() == ReasonCapacity {
		return
	}
	sk := b.keys.Marshal(ent.key)
	b.missMemo.Add(sk, struct{}{})
	b.enqueue(writeOp[K, V]{kind: writeDelete, ent: ent, key: sk})
}

// enqueueDeleteKey shadows a terminal mutation for a key with no in-memory
// entry. Under the capacity-retention policy such a key may still live as a
// durable row, and that row must not outlive a Remove or an expired-at-insert
// Set.
func (b *persistenceBridge[K, V]) enqueueDeleteKey(key K) {
	sk := b.keys.Marshal(key)
	b.missMemo.Add(sk, struct{}{})
	b.enqueue(writeOp[K, V]{kind: writeDelete, key: sk})
}

func (b *persistenceBridge[K, V]) enqueue(op writeOp[K, V]) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("write-behind queue closed, dropping store write", zap.String("key", op.key))
		return
	}
	b.queue = append(b.queue, op)
	b.depth.Add(1)
	b.cond.Signal()
	b.mu.Unlock()
}

// pendingWrites is the current write-behind queue depth, exposed so the
// embedding system can make backpressure decisions.
func (b *persistenceBridge[K, V]) pendingWrites() int {
	return int(b.depth.Load())
}

func (b *persistenceBridge[K, V]) worker() {
	defer close(b.workerDone)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		op := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.apply(op)
		b.depth.Add(-1)
	}
}

// apply performs one store mutation. Failures are logged and swallowed; the
// engine keeps serving that key from memory until a later write succeeds.
func (b *persistenceBridge[K, V]) apply(op writeOp[K, V]) {
	ctx := context.Background()
	switch op.kind {
	case writeUpsert:
		payload, typeTag, err := b.codec.Encode(op.ent.value)
		if err != nil {
			b.logger.Warn("store write skipped, value encode failed", zap.String("key", op.key), zap.Error(err))
			return
		}
		rec := StoredRecord{
			ID:                 op.ent.storeID,
			Namespace:          b.namespace,
			Key:                op.key,
			Payload:            payload,
			TypeTag:            typeTag,
			Priority:           op.ent.priority,
			AbsoluteExpiration: op.ent.absoluteExpiration,
			SlidingExpiration:  op.ent.slidingExpiration,
			LastAccessed:       time.Unix(0, op.ent.lastAccessed.Load()),
		}
		if err := b.store.AddOrUpdate(ctx, &rec); err != nil {
			b.logger.Warn("store write failed", zap.String("key", op.key), zap.Error(err))
			return
		}
		op.ent.storeID = rec.ID
	case writeDelete:
		id := op.id
		if op.ent != nil && op.ent.storeID != "" {
			id = op.ent.storeID
		}
		var err error
		if id != "" {
			err = b.store.RemoveByID(ctx, id)
		} else {
			err = b.store.RemoveByKey(ctx, b.namespace, op.key)
		}
		if err != nil {
			b.logger.Warn("store delete failed", zap.String("key", op.key), zap.Error(err))
		}
	}
}

// close stops accepting writes and waits up to flushTimeout for the queue to
// drain. A timeout is best effort: shutdown proceeds and the undrained tail
// is logged. Safe to call more than once.
func (b *persistenceBridge[K, V]) close(flushTimeout time.Duration) {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Signal()
	}
	b.mu.Unlock()

	select {
	case <-b.workerDone:
	case <-time.After(flushTimeout):
		b.logger.Warn("write-behind flush timed out, proceeding with shutdown",
			zap.Int("pending", b.pendingWrites()))
	}
}
