// Package retry implements the delay queues that hold failed delivery
// tasks until they become due for re-submission. Two variants exist: an
// in-memory queue and a filesystem-backed queue that survives restarts.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/idlemail/idlemail/internal/hub"
)

type entry struct {
	due  time.Time
	task hub.Task
	// path of the persisted record, "" for memory-only entries.
	path string
}

// queue is the scheduling core shared by both agents: a due-time ordered
// list plus a wake channel that interrupts the release loop whenever a new
// entry may be due earlier than the current head.
type queue struct {
	mu      sync.Mutex
	entries []entry
	wake    chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// push inserts in due-time order. Equal due-times keep insertion order, so
// release order stays deterministic within a run.
func (q *queue) push(e entry) {
	q.mu.Lock()
	i := len(q.entries)
	for i > 0 && q.entries[i-1].due.After(e.due) {
		i--
	}
	q.entries = append(q.entries, entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// head returns the earliest due-time, or false when the queue is empty.
func (q *queue) head() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].due, true
}

// takeDue pops every entry due at or before now.
func (q *queue) takeDue(now time.Time) []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.entries) && !q.entries[n].due.After(now) {
		n++
	}
	due := make([]entry, n)
	copy(due, q.entries[:n])
	q.entries = q.entries[n:]
	return due
}

// run drives the release loop until ctx is cancelled. fire is invoked once
// per due entry, in due-time order.
func (q *queue) run(ctx context.Context, fire func(entry)) error {
	for {
		due, ok := q.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}

		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-q.wake:
				// A new entry arrived; recompute the head.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		for _, e := range q.takeDue(time.Now()) {
			fire(e)
		}
	}
}
