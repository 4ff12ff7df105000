// Package work provides a serialized deferred-work facility.
//
// A [Queue] runs a single goroutine, so all work scheduled on one queue is
// mutually serialized. A [Slot] is an idempotent scheduling mark: scheduling
// a slot that is already pending is a no-op, which lets event sources fire
// repeatedly without piling up duplicate work. The pending mark clears
// immediately before the worker function runs, so work can re-arm its own
// slot from inside the worker.
package work

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/softeth/pkg"
)

// Worker is a deferred work function. It runs on the queue goroutine with
// its scheduling argument.
type Worker func(arg any)

// Slot is the scheduling state for one unit of deferrable work. Each
// distinct work item owns one slot for its lifetime. The zero value is an
// idle slot ready to schedule.
type Slot struct {
	pending atomic.Bool
}

// Pending reports whether the slot is scheduled and not yet run.
func (s *Slot) Pending() bool {
	return s.pending.Load()
}

// queueDepth bounds the number of distinct slots awaiting the worker.
const queueDepth = 64

type item struct {
	slot *Slot
	fn   Worker
	arg  any
}

// Queue executes scheduled work on a single goroutine.
type Queue struct {
	name  string
	items chan item
	stop  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue and starts its goroutine.
func NewQueue(name string) *Queue {
	q := &Queue{
		name:  name,
		items: make(chan item, queueDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	pkg.LogDebug(pkg.ComponentWork, "work queue started", "name", name)
	return q
}

// Schedule arranges for fn(arg) to run on the queue goroutine.
//
// If slot is already pending the call is a no-op and returns nil: the
// earlier scheduling covers this one. The pending mark clears immediately
// before fn runs, so fn may schedule the same slot again.
//
// Schedule never blocks; it returns [pkg.ErrNoResources] if the queue is
// saturated and [pkg.ErrNotRunning] after Close.
func (q *Queue) Schedule(slot *Slot, fn Worker, arg any) error {
	if slot == nil || fn == nil {
		return pkg.ErrInvalidParameter
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return pkg.ErrNotRunning
	}
	if !slot.pending.CompareAndSwap(false, true) {
		return nil
	}

	select {
	case q.items <- item{slot: slot, fn: fn, arg: arg}:
		return nil
	default:
		slot.pending.Store(false)
		pkg.LogWarn(pkg.ComponentWork, "work queue saturated", "name", q.name)
		return pkg.ErrNoResources
	}
}

// Close stops the queue after running all queued work. Scheduling after
// Close returns [pkg.ErrNotRunning]; a second Close does too.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pkg.ErrNotRunning
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	<-q.done
	pkg.LogDebug(pkg.ComponentWork, "work queue closed", "name", q.name)
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case it := <-q.items:
			it.slot.pending.Store(false)
			it.fn(it.arg)
		case <-q.stop:
			// Drain work queued before Close.
			for {
				select {
				case it := <-q.items:
					it.slot.pending.Store(false)
					it.fn(it.arg)
				default:
					return
				}
			}
		}
	}
}
