// Package waiter implements a deadline-bound pending request for a
// stream: a Waiter is enqueued on a ConnectionPool's waiter deque when no
// connection has capacity, and resolves exactly once — by a stream
// becoming available, by its deadline elapsing, or by shutdown.
package waiter

import (
	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/h2pool/status"
	"github.com/bearlytools/h2pool/transport"
)

// Result is what a Waiter ultimately resolves to.
type Result struct {
	Channel transport.Channel
	Err     error
}

// Waiter is a single queued stream request. Construct with New; call
// ScheduleTimeout exactly once before the Waiter becomes discoverable for
// servicing, per package waiter's resolve-exactly-once contract.
type Waiter struct {
	id       uint64
	deadline context.Context // carries the deadline via its Done/Err
	done     chan Result

	mu       sync.Mutex
	resolved bool
	cancelFn context.CancelFunc
}

// New constructs a Waiter bound to deadline (already a context.WithDeadline
// result; the caller owns cancelling it once the Waiter resolves, which
// ScheduleTimeout/Succeed/Fail all do automatically via cancel). The pool
// opens the stream itself (invoking the caller's StreamInitializer as
// part of that) and hands the resulting Channel to Succeed; Waiter does
// not hold the initializer.
func New(id uint64, deadlineCtx context.Context, cancel context.CancelFunc) *Waiter {
	return &Waiter{
		id:       id,
		deadline: deadlineCtx,
		cancelFn: cancel,
		done:     make(chan Result, 1),
	}
}

// ID returns the Waiter's identity, stable for its lifetime. Used to
// locate and remove a specific Waiter from the deque on cancellation.
func (w *Waiter) ID() uint64 { return w.id }

// Done returns the channel the caller of make_stream blocks on.
func (w *Waiter) Done() <-chan Result { return w.done }

// DeadlineIsAfter reports whether this Waiter's deadline is after t's
// deadline. A Waiter without a deadline counts as after any t; a t
// without one counts as after any Waiter that has one. The pool's deque
// servicing does not use it; it checks Expired.
func (w *Waiter) DeadlineIsAfter(t context.Context) bool {
	d1, ok1 := w.deadline.Deadline()
	d2, ok2 := t.Deadline()
	if !ok1 {
		return true
	}
	if !ok2 {
		return false
	}
	return d1.After(d2)
}

// Expired reports whether this Waiter's deadline has already passed.
func (w *Waiter) Expired() bool {
	select {
	case <-w.deadline.Done():
		return true
	default:
		return false
	}
}

// ScheduleTimeout arms a one-shot task that fails the Waiter with
// status.DeadlineExceededError once the deadline elapses, unless it has
// already resolved. The task runs on a goroutine from context.Pool(ctx),
// not on the pool's executor. cause, if non-nil, is called when the
// deadline elapses and its result attached so the caller can distinguish
// "pool saturated" from "backend unreachable."
func (w *Waiter) ScheduleTimeout(ctx context.Context, cause func() error) {
	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		<-w.deadline.Done()
		var c error
		if cause != nil {
			c = cause()
		}
		w.Fail(status.DeadlineExceededError{Cause: c})
	})
}

// Succeed resolves the Waiter successfully: it cancels the scheduled
// timeout and delivers the already-opened ch to the waiting caller. The
// pool invokes the caller's StreamInitializer itself, as part of opening
// ch, before calling Succeed. Succeed is a no-op if the Waiter already
// resolved.
func (w *Waiter) Succeed(ch transport.Channel) bool {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return false
	}
	w.resolved = true
	w.mu.Unlock()

	w.cancelFn()
	w.done <- Result{Channel: ch}
	return true
}

// Fail resolves the Waiter with err. Fail is a no-op if the Waiter
// already resolved.
func (w *Waiter) Fail(err error) bool {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return false
	}
	w.resolved = true
	w.mu.Unlock()

	w.cancelFn()
	w.done <- Result{Err: err}
	return true
}

// Resolved reports whether Succeed or Fail has already run.
func (w *Waiter) Resolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolved
}
