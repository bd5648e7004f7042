package activeobject

import (
	"context"
	"sync"
	"time"
)

// DefaultQueueCapacity is the EventQueue capacity used when a non-positive
// capacity is supplied to NewEventQueue.
const DefaultQueueCapacity = 128

// EventQueue is a bounded, thread-safe FIFO of invocations. Add blocks
// while the queue is full; Get blocks while the queue is empty. Closing the
// queue wakes every blocked Add/Get without losing already-queued items:
// Get continues to drain the backlog after Close, returning ok=false only
// once the queue is both closed and empty.
type EventQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []invocation
	cap      int
	closed   bool
}

// NewEventQueue constructs an EventQueue with the given capacity. A
// non-positive capacity is replaced by DefaultQueueCapacity.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &EventQueue{cap: capacity}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Add enqueues inv, blocking while the queue is full. It returns false if
// the queue was closed (either already, or while waiting for space).
func (q *EventQueue) Add(ctx context.Context, inv invocation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.cap && !q.closed {
		if !q.waitLocked(ctx, q.notFull) {
			return false
		}
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, inv)
	q.notEmpty.Signal()
	return true
}

// TryAdd enqueues inv without blocking. It returns false if the queue is
// full or closed.
func (q *EventQueue) TryAdd(inv invocation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.cap {
		return false
	}
	q.items = append(q.items, inv)
	q.notEmpty.Signal()
	return true
}

// Get blocks until an invocation is available, the queue is closed and
// drained, or ctx is done. ok is false only in the latter two cases.
func (q *EventQueue) Get(ctx context.Context) (inv invocation, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if !q.waitLocked(ctx, q.notEmpty) {
			return nil, false
		}
	}
	if len(q.items) == 0 {
		return nil, false
	}
	inv = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.notFull.Signal()
	return inv, true
}

// GetNonBlocking pops one invocation if immediately available.
func (q *EventQueue) GetNonBlocking() (inv invocation, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	inv = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.notFull.Signal()
	return inv, true
}

// Depth returns the number of queued (not yet dequeued) invocations.
func (q *EventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAndDrop removes every queued invocation and calls Drop on each,
// returning how many were dropped. Used by Shutdown(waitForDrain=false, ...).
func (q *EventQueue) DrainAndDrop() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, inv := range items {
		inv.Drop()
	}
	return len(items)
}

// Close marks the queue closed: no further Add succeeds, and Get returns
// ok=false once the backlog is drained. Safe to call more than once.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// WaitUntilEmpty blocks until Depth() == 0 or ctx is done, checking the
// depth once a millisecond, and reports whether the queue was empty when
// it returned.
func (q *EventQueue) WaitUntilEmpty(ctx context.Context) bool {
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for q.Depth() != 0 {
		select {
		case <-done:
			return q.Depth() == 0
		case <-ticker.C:
		}
	}
	return true
}

// waitLocked waits on cond (q.mu must be held) until woken or ctx is done.
// It returns false if ctx is done. Because sync.Cond has no context-aware
// wait, cancellation is implemented by spawning a one-shot goroutine that
// broadcasts when ctx is done; the extra wakeup is harmless for the other
// waiters since the loop condition is re-checked.
func (q *EventQueue) waitLocked(ctx context.Context, cond *sync.Cond) bool {
	if ctx == nil || ctx.Done() == nil {
		cond.Wait()
		return true
	}
	done := ctx.Done()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-done:
			q.mu.Lock()
			cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	select {
	case <-done:
		return false
	default:
		return true
	}
}
