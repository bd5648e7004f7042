// Package activeobject implements the Active Object concurrency pattern: an
// ActiveObject owns exactly one worker goroutine and a bounded queue of
// invocations; callers package a callable plus a future.Future and enqueue
// it; the worker drains the queue strictly in order, one invocation at a
// time, routing the callable's return value or error into the future.
//
// No other package in this module uses ActiveObject (process.Manager has
// its own engine goroutine), but the pattern is implemented here in full,
// including the Shutdown policy matrix and the cooperative cancellation
// protocol.
package activeobject

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/whitepa/forte-procmanager/future"
	"github.com/whitepa/forte-procmanager/internal/telemetry"
)

// ActiveObject owns one worker goroutine and an EventQueue of invocations.
// At most one invocation executes at a time.
type ActiveObject struct {
	queue    *EventQueue
	current  atomic.Pointer[invocation]
	done     chan struct{}
	shutdown atomic.Bool
	once     sync.Once
	name     string
}

// New constructs an ActiveObject with the given queue capacity (0 or
// negative selects DefaultQueueCapacity) and starts its worker goroutine.
func New(name string, queueCapacity int) *ActiveObject {
	ao := &ActiveObject{
		queue: NewEventQueue(queueCapacity),
		done:  make(chan struct{}),
		name:  name,
	}
	go ao.run()
	return ao
}

// InvokeAsync packages fn and a fresh future.Future[T], enqueues it onto
// ao, and returns the future immediately. It fails with ErrShuttingDown if
// Shutdown has already been called.
//
// InvokeAsync is a free function, not a method, because Go methods cannot
// introduce additional type parameters beyond those of their receiver, and
// ActiveObject itself is intentionally non-generic so one instance can
// serialize callables of differing result types (mirroring the
// AsyncInvocation capability-set design: a single work queue that accepts
// heterogeneous invocations, each carrying its own result type).
func InvokeAsync[T any](ao *ActiveObject, fn Callable[T]) (*future.Future[T], error) {
	f := future.New[T]()
	inv := &asyncInvocation[T]{callable: fn, future: f}
	if ao.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	if !ao.queue.Add(context.Background(), inv) {
		return nil, ErrShuttingDown
	}
	return f, nil
}

// run is the worker loop. It blocks on EventQueue.Get, which is woken
// either by a new enqueue or by EventQueue.Close, avoiding the
// check-then-sleep race a naive poll-and-sleep drain loop would have.
func (ao *ActiveObject) run() {
	defer close(ao.done)
	for {
		inv, ok := ao.queue.Get(context.Background())
		if !ok {
			return
		}
		ao.execute(inv)
	}
}

func (ao *ActiveObject) execute(inv invocation) {
	ao.current.Store(&inv)
	defer ao.current.Store(nil)
	inv.Execute()
}

// Shutdown stops ao from accepting further work and applies the following
// policy matrix:
//
//	waitForDrain=true,  cancelRunning=false: run every queued item, then exit.
//	waitForDrain=true,  cancelRunning=true:  run every queued item; ask the
//	                                         in-flight invocation to cancel.
//	waitForDrain=false, cancelRunning=false: drop every queued item
//	                                         (ErrDropped); finish the
//	                                         in-flight invocation.
//	waitForDrain=false, cancelRunning=true:  drop every queued item; ask
//	                                         the in-flight invocation to
//	                                         cancel.
//
// Shutdown blocks until the worker goroutine has exited. It is safe to
// call more than once; only the first call's policy takes effect.
func (ao *ActiveObject) Shutdown(waitForDrain, cancelRunning bool) {
	ao.once.Do(func() {
		ao.shutdown.Store(true)

		if cancelRunning {
			if p := ao.current.Load(); p != nil {
				(*p).Cancel()
			}
		}

		if !waitForDrain {
			dropped := ao.queue.DrainAndDrop()
			if telemetry.Enabled() && dropped > 0 {
				telemetry.L().Info().Str("activeObject", ao.name).Int("dropped", dropped).
					Log("dropped queued invocations on shutdown")
			}
		}

		ao.queue.Close()
	})
	<-ao.done
}

// Depth reports the number of invocations currently queued (not counting
// any in-flight invocation).
func (ao *ActiveObject) Depth() int {
	return ao.queue.Depth()
}

// WaitUntilEmpty blocks until the queue has no pending invocations or ctx
// is done. It does not wait for an in-flight invocation to finish.
func (ao *ActiveObject) WaitUntilEmpty(ctx context.Context) bool {
	return ao.queue.WaitUntilEmpty(ctx)
}
