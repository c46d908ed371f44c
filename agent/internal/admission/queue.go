// Package admission implements the tunnel agent's concurrency cap and FIFO
// waiter queue.
package admission

import (
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// Waiter is a deferred admission request: start is invoked once a slot frees
// up for it.
type Waiter struct {
	ID    string // unique per request, used by Cancel
	Label string // originKey or target, used only for Snapshot/logging
	Start func()
}

// Queue enforces 0 <= active <= max at all times and
// releases queued waiters in FIFO order as tunnels close. All mutation
// happens under a single mutex, so nothing can race in and steal a slot
// between the active-- and the FIFO shift.
//
// max <= 0 means unlimited concurrency (no cap configured).
type Queue struct {
	mu     sync.Mutex
	max    int
	active atomic.Int32
	fifo   []Waiter
}

// New creates an AdmissionQueue with the given concurrency cap.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Admit returns true and increments active if a slot is available now;
// otherwise it enqueues the waiter and returns false. The waiter is later
// started (exactly once) by a future Release call.
func (q *Queue) Admit(w Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max <= 0 || int(q.active.Load()) < q.max {
		q.active.Inc()
		return true
	}
	q.fifo = append(q.fifo, w)
	return false
}

// Release decrements active and, if the FIFO is non-empty, pops and starts
// the next waiter. The popped waiter's slot is accounted for by Release
// itself (active is never decremented below zero and the freed slot is
// either handed to the waiter or given back to the pool). Start runs on its
// own goroutine so the caller releasing its slot — often itself tearing a
// connection down — never blocks on the next waiter's connection setup.
func (q *Queue) Release() {
	q.mu.Lock()
	if len(q.fifo) == 0 {
		if q.active.Load() > 0 {
			q.active.Dec()
		}
		q.mu.Unlock()
		return
	}
	next := q.fifo[0]
	q.fifo = q.fifo[1:]
	q.mu.Unlock()

	go next.Start()
}

// Cancel removes a still-queued waiter (identified by Waiter.ID) without
// ever starting it and without touching active — it was never admitted, so
// there is no slot to release. It
// returns false if the waiter already left the queue (already started by a
// Release, or never enqueued).
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.fifo {
		if w.ID == id {
			q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
			return true
		}
	}
	return false
}

// Active returns the current number of admitted, not-yet-released tunnels.
func (q *Queue) Active() int32 {
	return q.active.Load()
}

// Queued returns the number of requests currently waiting for a slot.
func (q *Queue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Snapshot returns the labels of currently queued waiters, for logging and
// metrics; it never exposes the waiters themselves.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return lo.Map(q.fifo, func(w Waiter, _ int) string {
		return w.Label
	})
}
