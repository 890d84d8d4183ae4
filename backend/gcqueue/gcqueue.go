// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package gcqueue implements an epoch-based deferred reclamation queue: a
// single-producer / multi-consumer FIFO of retirement closures, each run
// only once every registered session has advanced past the epoch it was
// retired at.
package gcqueue

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// inactive is the sentinel epoch a Session reports while it holds no guard.
const inactive = ^uint64(0)

// maxTrackedGuards bounds the number of concurrently guarded critical
// sections the queue's diagnostics counter reports. It is a diagnostics cap
// only, not a correctness one: a guard that overflows it still runs, it is
// simply not reflected in ActiveGuards.
const maxTrackedGuards = 1 << 16

// Queue is the retirement queue for resources - stale mmap regions, region
// file byte ranges awaiting reuse - that must not be recycled while a reader
// may still observe them.
type Queue struct {
	epoch atomic.Uint64

	mu       sync.Mutex
	sessions []*Session
	pending  []item

	guardSem    *semaphore.Weighted
	activeCount atomic.Int64
}

type item struct {
	epoch  uint64
	action func()
}

// New creates an empty GC queue.
func New() *Queue {
	return &Queue{guardSem: semaphore.NewWeighted(maxTrackedGuards)}
}

// ActiveGuards reports the number of currently guarded critical sections
// across every session registered with the queue, for diagnostics.
func (q *Queue) ActiveGuards() int64 {
	return q.activeCount.Load()
}

// NewSession registers a new reader thread with the queue. Callers must call
// Close when the thread exits so its slot is released.
func (q *Queue) NewSession() *Session {
	s := &Session{q: q}
	s.active.Store(inactive)

	q.mu.Lock()
	q.sessions = append(q.sessions, s)
	q.mu.Unlock()
	return s
}

// Push retires a closure. It will run no earlier than the next call that
// observes every active session past the current epoch - typically the next
// Push or Collect.
func (q *Queue) Push(action func()) {
	e := q.epoch.Add(1)

	q.mu.Lock()
	q.pending = append(q.pending, item{epoch: e, action: action})
	q.reapLocked()
	q.mu.Unlock()
}

// Collect forces a reclamation pass without retiring anything new. Safe to
// call from any goroutine, including one that owns a Session, as long as
// that session isn't currently guarded.
func (q *Queue) Collect() {
	q.mu.Lock()
	q.reapLocked()
	q.mu.Unlock()
}

// reapLocked must be called with q.mu held. It runs (and drops) every
// pending action whose epoch predates the oldest epoch any session is
// currently observing.
func (q *Queue) reapLocked() {
	if len(q.pending) == 0 {
		return
	}
	safe := q.epoch.Load() + 1
	for _, s := range q.sessions {
		if e := s.active.Load(); e != inactive && e < safe {
			safe = e
		}
	}

	kept := q.pending[:0]
	for _, it := range q.pending {
		if it.epoch < safe {
			it.action()
		} else {
			kept = append(kept, it)
		}
	}
	q.pending = kept
}

func (q *Queue) unregister(s *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, other := range q.sessions {
		if other == s {
			q.sessions = append(q.sessions[:i], q.sessions[i+1:]...)
			break
		}
	}
	q.reapLocked()
}

// Session is one registered reader. Sessions publish the epoch they last
// observed while descending the trie; Enter/Leave (and the RAII-style Guard
// helper) bracket the critical section during which retired resources this
// session might still be touching must not be reclaimed.
type Session struct {
	q       *Queue
	active  atomic.Uint64
	tracked bool
}

// Enter marks the session as observing the current epoch.
func (s *Session) Enter() {
	s.active.Store(s.q.epoch.Load())
	if s.q.guardSem.TryAcquire(1) {
		s.tracked = true
		s.q.activeCount.Add(1)
	}
}

// Leave marks the session as inactive, allowing the queue to reclaim
// anything retired at or after the epoch it last observed.
func (s *Session) Leave() {
	s.active.Store(inactive)
	if s.tracked {
		s.q.guardSem.Release(1)
		s.q.activeCount.Add(-1)
		s.tracked = false
	}
}

// Guard brackets a critical section with Enter/Leave. Call the returned func
// to leave.
func (s *Session) Guard() func() {
	s.Enter()
	return s.Leave
}

// Close unregisters the session from its queue, triggering a final
// reclamation pass over anything only it was blocking.
func (s *Session) Close() {
	s.q.unregister(s)
}
