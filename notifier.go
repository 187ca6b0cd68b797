package persistcache

import (
	"sync"

	"go.uber.org/zap"
)

// evictionNotifier dispatches post-eviction callbacks on a dedicated
// background goroutine so a slow or panicking callback never blocks a
// foreground cache operation. The queue is unbounded and FIFO; every entry
// enqueued is dispatched exactly once, including during shutdown drain.
type evictionNotifier[K comparable, V any] struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*entry[K, V]
	closed bool
	done   chan struct{}
}

func newEvictionNotifier[K comparable, V any](logger *zap.Logger) *evictionNotifier[K, V] {
	n := &evictionNotifier[K, V]{
		logger: logger,
		done:   make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *evictionNotifier[K, V]) enqueue(e *entry[K, V]) {
	if len(e.callbacks) == 0 {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, e)
	n.cond.Signal()
	n.mu.Unlock()
}

func (n *evictionNotifier[K, V]) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 && n.closed {
			n.mu.Unlock()
			return
		}
		e := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		n.dispatch(e)
	}
}

func (n *evictionNotifier[K, V]) dispatch(e *entry[K, V]) {
	reason := e.evictionReason()
	for _, cb := range e.callbacks {
		n.invoke(cb, e, reason)
	}
}

func (n *evictionNotifier[K, V]) invoke(cb EvictionCallback[K, V], e *entry[K, V], reason EvictionReason) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("eviction callback panicked",
				zap.Any("panic", r),
				zap.String("reason", reason.String()))
		}
	}()
	cb(e.key, e.value, reason)
}

// close drains the remaining queue and waits for the dispatcher goroutine to
// exit. Safe to call more than once.
func (n *evictionNotifier[K, V]) close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		n.cond.Signal()
	}
	n.mu.Unlock()
	<-n.done
}
