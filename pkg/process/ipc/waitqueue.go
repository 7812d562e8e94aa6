package ipc

import "sync"

// WaitQueue is a set of wakeup callbacks. Endpoints that can block a reader
// or writer call Wake whenever readiness may have changed; waiters re-check
// their own condition.
type WaitQueue struct {
	mu      sync.Mutex
	next    uint64
	waiters map[uint64]func()
}

// Watch registers fn and returns a func that removes it.
func (q *WaitQueue) Watch(fn func()) (cancel func()) {
	q.mu.Lock()
	if q.waiters == nil {
		q.waiters = make(map[uint64]func())
	}
	id := q.next
	q.next++
	q.waiters[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.waiters, id)
		q.mu.Unlock()
	}
}

// Wake calls every registered callback. Callbacks run without the queue
// lock held, so they may take other locks.
func (q *WaitQueue) Wake() {
	q.mu.Lock()
	fns := make([]func(), 0, len(q.waiters))
	for _, fn := range q.waiters {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of registered waiters.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
