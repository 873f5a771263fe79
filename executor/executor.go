// Package executor provides the single-threaded cooperative scheduler the
// rest of this module treats as an affinity anchor. A ConnectionPool runs
// entirely on one Executor: all mutations to its internal state happen
// from tasks submitted to that Executor, so it needs no locking of its
// own. The ConnectionManagers it owns do not run on the Executor: they dial
// on their own goroutines and guard their state with their own mutex;
// only their callbacks into the pool hop onto the Executor.
package executor

import (
	"sync"
	"sync/atomic"

	"github.com/gostdlib/base/context"
)

var ids atomic.Uint64

// Executor is a single goroutine draining a task queue. Tasks submitted to
// the same Executor run one at a time, in submission order.
type Executor struct {
	id    uint64
	tasks chan func()

	closeOnce sync.Once
	done      chan struct{}
}

type affinityKey struct{}

// New starts an Executor. queueDepth bounds how many pending tasks Submit
// will buffer before blocking the caller; 0 means unbuffered.
func New(queueDepth int) *Executor {
	e := &Executor{
		id:    ids.Add(1),
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// Submit enqueues fn to run on the Executor's goroutine. fn runs with a
// context stamped with this Executor's identity, so code it calls can use
// InExecutor to test affinity. Submit blocks if the queue is full; it
// panics if called after Stop.
func (e *Executor) Submit(ctx context.Context, fn func(ctx context.Context)) {
	stamped := context.WithValue(ctx, affinityKey{}, e.id)
	e.tasks <- func() { fn(stamped) }
}

// TrySubmit is Submit's non-blocking variant. Returns false if the queue
// is full.
func (e *Executor) TrySubmit(ctx context.Context, fn func(ctx context.Context)) bool {
	stamped := context.WithValue(ctx, affinityKey{}, e.id)
	select {
	case e.tasks <- func() { fn(stamped) }:
		return true
	default:
		return false
	}
}

// InExecutor reports whether ctx was stamped by this Executor, i.e.
// whether the calling code is already running on e's goroutine.
func (e *Executor) InExecutor(ctx context.Context) bool {
	v, ok := ctx.Value(affinityKey{}).(uint64)
	return ok && v == e.id
}

// RunOrSubmit calls fn inline if already on this Executor, otherwise
// submits it and returns immediately. Use when a caller on a foreign
// executor needs to hop onto this one without blocking for completion.
func (e *Executor) RunOrSubmit(ctx context.Context, fn func(ctx context.Context)) {
	if e.InExecutor(ctx) {
		fn(ctx)
		return
	}
	e.Submit(ctx, fn)
}

// Stop closes the queue and returns once the goroutine has run every task
// already queued and exited. Work those tasks hand off to other
// goroutines is not waited for.
func (e *Executor) Stop() {
	e.closeOnce.Do(func() {
		close(e.tasks)
	})
	<-e.done
}

// ID returns the Executor's identity, stable for its lifetime. Used as
// the key PoolManager keys its per-executor pools by.
func (e *Executor) ID() uint64 {
	return e.id
}
