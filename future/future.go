// Package future provides Future[T], a one-shot, thread-safe result cell:
// a single producer stores either a value or an error exactly once, and any
// number of consumers can block on it, time out on it, or observe a
// cancellation request without the future resolving it for them.
//
// It is the building block both AsyncInvocation (package activeobject) and
// ProcessFuture (package process) are built on top of.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySet is returned by SetResult/SetException when the future has
// already been resolved, either with a value or with an error.
var ErrAlreadySet = errors.New("future: already set")

// ErrTimeout is returned by GetResultTimed/Wait when the deadline elapses
// before the future becomes ready.
var ErrTimeout = errors.New("future: timeout waiting for result")

// Future is a single-assignment result cell for a value of type T.
//
// Once Ready becomes true it stays true. At most one of value/err is ever
// set; setting either marks the future ready and wakes every waiter.
// Cancel is advisory only: it records that a consumer asked for
// cancellation, but it is up to the producer to decide whether, and how,
// to honour that by eventually calling SetResult or SetException.
type Future[T any] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	ready     bool
	cancelled bool
	value     T
	err       error
}

// New returns a new, unresolved Future[T].
func New[T any]() *Future[T] {
	f := &Future[T]{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// SetResult stores v as the future's value and marks it ready. It returns
// ErrAlreadySet if the future was already resolved.
func (f *Future[T]) SetResult(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready {
		return ErrAlreadySet
	}
	f.value = v
	f.ready = true
	f.cond.Broadcast()
	return nil
}

// SetException stores err as the future's failure and marks it ready. It
// returns ErrAlreadySet if the future was already resolved.
func (f *Future[T]) SetException(err error) error {
	if err == nil {
		err = errUnknown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ready {
		return ErrAlreadySet
	}
	f.err = err
	f.ready = true
	f.cond.Broadcast()
	return nil
}

// errUnknown is substituted when SetException is called with a nil error,
// so that a ready future with an error path always has a non-nil error to
// re-raise.
var errUnknown = errors.New("future: unknown exception")

// Cancel sets the advisory cancelled flag. It does not itself resolve the
// future; the producer observes IsCancelled and decides how to respond.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	f.cond.Broadcast()
}

// IsCancelled reports whether Cancel has been called.
func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// IsReady reports whether the future has been resolved (value or error).
func (f *Future[T]) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// GetResult blocks until the future is ready, then returns the stored
// value, or re-raises the stored error.
func (f *Future[T]) GetResult() (T, error) {
	return f.Wait(context.Background())
}

// GetResultTimed blocks until the future is ready or ctx is done,
// whichever comes first. If ctx is done first, it returns ErrTimeout
// without altering the future's state.
func (f *Future[T]) GetResultTimed(ctx context.Context) (T, error) {
	return f.Wait(ctx)
}

// Wait is the shared implementation behind GetResult and GetResultTimed.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	f.mu.Lock()
	if f.ready {
		defer f.mu.Unlock()
		return f.resultLocked()
	}
	f.mu.Unlock()

	if ctx.Done() == nil {
		// No deadline: block directly on the condition variable, no
		// goroutine needed.
		f.mu.Lock()
		for !f.ready {
			f.cond.Wait()
		}
		defer f.mu.Unlock()
		return f.resultLocked()
	}

	done := make(chan struct{})
	go func() {
		f.mu.Lock()
		for !f.ready {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.resultLocked()
	case <-ctx.Done():
		var zero T
		return zero, ErrTimeout
	}
}

// resultLocked must be called with f.mu held and f.ready true.
func (f *Future[T]) resultLocked() (T, error) {
	if f.err != nil {
		var zero T
		return zero, f.err
	}
	return f.value, nil
}
