// Package semaphore implements the FIFO counting semaphore used for
// concurrency and memory limits: permits are granted in strict enqueue
// order, acquisitions may request more than one permit at a time, and the
// pool can be resized without revoking permits already in use.
package semaphore

import (
	"container/list"
	"context"
	"sync"
)

type waiter struct {
	n     int
	grant chan error
}

// Semaphore is a resizable, FIFO, variable-size counting semaphore.
type Semaphore struct {
	mu         sync.Mutex
	permits    int
	maxPermits int
	queue      *list.List
}

// New creates a Semaphore with maxPermits permits, all initially free.
func New(maxPermits int) *Semaphore {
	if maxPermits < 1 {
		maxPermits = 1
	}
	return &Semaphore{
		permits:    maxPermits,
		maxPermits: maxPermits,
		queue:      list.New(),
	}
}

// Acquire blocks until n permits are granted, ctx is cancelled, or the
// semaphore is torn down via CancelAll. It never lets a late-arriving
// waiter barge ahead of one already queued: a request is only granted
// immediately when the queue is empty.
func (s *Semaphore) Acquire(ctx context.Context, n int) error {
	s.mu.Lock()
	if s.queue.Len() == 0 && s.permits >= n {
		s.permits -= n
		s.mu.Unlock()
		return nil
	}
	w := &waiter{n: n, grant: make(chan error, 1)}
	elem := s.queue.PushBack(w)
	s.mu.Unlock()

	select {
	case err := <-w.grant:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		removed := s.removeIfQueued(elem)
		s.mu.Unlock()
		if removed {
			return ctx.Err()
		}
		// Lost the race with a concurrent grant; the grant channel is
		// already buffered so this never blocks.
		return <-w.grant
	}
}

// TryAcquire attempts a single non-blocking grant of n permits, honoring the
// same no-barging rule as Acquire: it only succeeds when the queue is empty.
func (s *Semaphore) TryAcquire(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 && s.permits >= n {
		s.permits -= n
		return true
	}
	return false
}

func (s *Semaphore) removeIfQueued(elem *list.Element) bool {
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e == elem {
			s.queue.Remove(e)
			return true
		}
	}
	return false
}

// Release returns n permits to the pool and drains the FIFO queue while the
// head waiter's request is satisfiable. It stops at the first unsatisfiable
// waiter, never skipping ahead, to preserve ordering (spec §4.2, §4.3).
func (s *Semaphore) Release(n int) {
	s.mu.Lock()
	s.permits += n
	s.drainLocked()
	s.mu.Unlock()
}

func (s *Semaphore) drainLocked() {
	for {
		front := s.queue.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if s.permits < w.n {
			return
		}
		s.permits -= w.n
		s.queue.Remove(front)
		w.grant <- nil
	}
}

// Resize changes the total permit pool. Increasing adds the delta to the
// free pool and drains waiters; decreasing shrinks the free pool (never
// below zero) without revoking permits already granted. The floor is 1.
func (s *Semaphore) Resize(newMax int) {
	if newMax < 1 {
		newMax = 1
	}
	s.mu.Lock()
	delta := newMax - s.maxPermits
	s.maxPermits = newMax
	s.permits += delta
	if s.permits < 0 {
		s.permits = 0
	}
	if delta > 0 {
		s.drainLocked()
	}
	s.mu.Unlock()
}

// CancelAll resolves every outstanding waiter with err, e.g. a cancellation
// sentinel on shutdown (spec §5).
func (s *Semaphore) CancelAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.queue.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*waiter)
		s.queue.Remove(e)
		w.grant <- err
		e = next
	}
}

// Stats is a snapshot of available/in-use permits for observability.
type Stats struct {
	Available int
	InUse     int
	Max       int
	Waiting   int
}

// GetStats returns a point-in-time snapshot.
func (s *Semaphore) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Available: s.permits,
		InUse:     s.maxPermits - s.permits,
		Max:       s.maxPermits,
		Waiting:   s.queue.Len(),
	}
}
