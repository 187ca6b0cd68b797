package persistcache

import "sync"

// entryTable is the concurrent key to entry mapping. A single RWMutex guards
// it: lookups and snapshots take the read side, install/replace/remove take
// the write side. The table never mutates entries itself.
//
// Mutating methods accept a commit callback that runs while the exclusive
// section is still held. The engine uses it to enqueue write-behind store
// operations, so per-key store writes are queued in exactly the order their
// table mutations were observed. Commits must only do cheap, non-blocking
// work such as assembling and queueing a write payload.
type entryTable[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[K, V]
}

func newEntryTable[K comparable, V any]() *entryTable[K, V] {
	return &entryTable[K, V]{entries: make(map[K]*entry[K, V])}
}

func (t *entryTable[K, V]) get(key K) (*entry[K, V], bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	return e, ok
}

// swap retires the current entry for the key, if any, with ReasonReplaced and
// installs e in its place. When install is false only the retirement happens;
// the caller has decided e must never become visible. The returned previous
// entry is already detached and owned by the caller.
func (t *entryTable[K, V]) swap(key K, e *entry[K, V], install bool, commit func(prev *entry[K, V])) *entry[K, V] {
	t.mu.Lock()
	prev := t.entries[key]
	if prev != nil {
		prev.markEvicted(ReasonReplaced)
		delete(t.entries, key)
	}
	if install {
		t.entries[key] = e
	}
	if commit != nil {
		commit(prev)
	}
	t.mu.Unlock()
	return prev
}

// installIfAbsent installs e unless the key already has a live entry, in
// which case the existing entry is returned untouched. Used by the lazy fill
// path so a store reload never clobbers a concurrent foreground write. An
// entry that has already been retired is refused outright (nil, false): a
// lazy fill shares its revived entry across concurrent callers, and a caller
// losing a race with Remove must not re-install a dead entry.
func (t *entryTable[K, V]) installIfAbsent(e *entry[K, V], commit func()) (*entry[K, V], bool) {
	t.mu.Lock()
	if cur, ok := t.entries[e.key]; ok {
		t.mu.Unlock()
		return cur, false
	}
	if e.evictionReason() != ReasonNone {
		t.mu.Unlock()
		return nil, false
	}
	t.entries[e.key] = e
	if commit != nil {
		commit()
	}
	t.mu.Unlock()
	return e, true
}

// removeIfSame deletes the mapping only if the table still maps the key to
// this exact entry. A concurrent replace must not be clobbered by a stale
// removal, so identity is what is compared, never value equality.
func (t *entryTable[K, V]) removeIfSame(e *entry[K, V], commit func()) bool {
	t.mu.Lock()
	cur, ok := t.entries[e.key]
	if !ok || cur != e {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, e.key)
	if commit != nil {
		commit()
	}
	t.mu.Unlock()
	return true
}

// removeAllIfSame is the bulk form of removeIfSame: one exclusive section for
// the whole set, with the same per-entry identity check. Returns the entries
// actually removed.
func (t *entryTable[K, V]) removeAllIfSame(entries []*entry[K, V], commit func(e *entry[K, V])) []*entry[K, V] {
	removed := make([]*entry[K, V], 0, len(entries))
	t.mu.Lock()
	for _, e := range entries {
		if cur, ok := t.entries[e.key]; ok && cur == e {
			delete(t.entries, e.key)
			if commit != nil {
				commit(e)
			}
			removed = append(removed, e)
		}
	}
	t.mu.Unlock()
	return removed
}

func (t *entryTable[K, V]) snapshot() []*entry[K, V] {
	t.mu.RLock()
	entries := make([]*entry[K, V], 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()
	return entries
}

func (t *entryTable[K, V]) len() int {
	t.mu.RLock()
	n := len(t.entries)
	t.mu.RUnlock()
	return n
}
