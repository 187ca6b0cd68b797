package persistcache

import (
	"sync/atomic"
	"time"
)

// scanThrottle rate-limits the background expiration sweep. A sweep runs only
// when the configured frequency has elapsed since the previous one; the CAS
// makes sure concurrent triggers elect a single scanner. A frequency of zero
// means every trigger scans.
type scanThrottle struct {
	frequency time.Duration
	lastScan  atomic.Int64 // unix nanos
}

func (s *scanThrottle) tryClaim(now time.Time) bool {
	last := s.lastScan.Load()
	if now.UnixNano()-last < int64(s.frequency) {
		return false
	}
	return s.lastScan.CompareAndSwap(last, now.UnixNano())
}

// scanExpired sweeps the whole table once: snapshot under the read lock,
// evaluate expiration, then remove the expired set through the
// identity-checked removal path. Runs on a background goroutine.
func (e *Engine[K, V]) scanExpired() {
	now := e.now()
	var expired []*entry[K, V]
	for _, ent := range e.table.snapshot() {
		if ent.expired(now) {
			expired = append(expired, ent)
		}
	}
	e.removeEntries(expired)
}

// maybeScan opportunistically kicks off a sweep after a foreground operation
// without blocking it.
func (e *Engine[K, V]) maybeScan() {
	if !e.throttle.tryClaim(e.now()) {
		return
	}
	e.background(e.scanExpired)
}
