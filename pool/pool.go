// Package pool implements the Connection Pool: a bounded set of
// connection managers bound to a single executor, a deadline-bound
// waiter queue, and the load-based scaling logic that ties them
// together. One Pool serves every make_stream call routed to its
// executor by a PoolManager.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/h2pool/connmgr"
	"github.com/bearlytools/h2pool/connstate"
	"github.com/bearlytools/h2pool/delegate"
	"github.com/bearlytools/h2pool/executor"
	"github.com/bearlytools/h2pool/status"
	"github.com/bearlytools/h2pool/transport"
	"github.com/bearlytools/h2pool/waiter"
)

// Accountant is the Pool Manager's advisory accounting surface. A Pool
// calls back into it to correct the PM's coarse (reserved, max_available)
// tally for its own executor whenever a connection's real capacity or
// reservation count changes. These calls are advisory: the Pool itself
// remains the source of truth for its own reservations.
type Accountant interface {
	// ReturnStreams decrements the PM's reserved tally for poolID by
	// count.
	ReturnStreams(poolID uint64, count int)
	// ChangeStreamCapacity adjusts the PM's max_available tally for
	// poolID by delta (which may be negative).
	ChangeStreamCapacity(poolID uint64, delta int)
}

type poolStatus uint8

const (
	statusActive poolStatus = iota
	statusShuttingDown
	statusShutdown
)

// entry pairs one connection manager with its stream-accounting state.
// Both are owned exclusively by the Pool's executor.
type entry struct {
	mgr               *connmgr.Manager
	state             *connstate.State
	unregisterOnState func()
}

// pendingWaiter is a queued Waiter together with the stream initializer
// it will hand to Multiplexer.OpenStream once a connection can serve it.
type pendingWaiter struct {
	w    *waiter.Waiter
	init transport.StreamInitializer
}

// Pool serves make_stream requests from a bounded set of connection
// managers on one executor. All fields below the constructor-only ones
// are mutated exclusively from tasks submitted to exec, per this
// module's cooperative single-threaded model: a Pool holds no lock of
// its own.
type Pool struct {
	id         uint64
	ctx        context.Context
	exec       *executor.Executor
	dialer     transport.Dialer
	target     transport.Target
	delegate   delegate.Delegate
	accountant Accountant

	connectionsPerPool          int
	maxWaiters                  int
	reservationLoadThreshold    float64
	assumedMaxConcurrentStreams uint32
	backoffPolicy               exponential.Policy

	// executor-confined state
	conns         []*entry
	waiters       []pendingWaiter
	nextConnID    uint64
	nextWaiterID  uint64
	status        poolStatus
	mostRecentErr error

	shutdownOnce sync.Once
	shutdownErr  error
	shutdownDone chan struct{}
}

// New constructs a Pool bound to exec, pre-populating it with
// connectionsPerPool idle connection managers targeting target. poolID
// identifies this pool to accountant; by convention it is exec.ID().
func New(ctx context.Context, poolID uint64, exec *executor.Executor, dialer transport.Dialer, target transport.Target, accountant Accountant, opts ...Option) *Pool {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	dlg := cfg.delegate
	if dlg == nil {
		dlg = delegate.NoopDelegate{}
	}

	p := &Pool{
		id:         poolID,
		ctx:        ctx,
		exec:       exec,
		dialer:     dialer,
		target:     target,
		delegate:   dlg,
		accountant: accountant,

		connectionsPerPool:          cfg.connectionsPerPool,
		maxWaiters:                  cfg.maxWaiters,
		reservationLoadThreshold:    cfg.reservationLoadThreshold,
		assumedMaxConcurrentStreams: cfg.assumedMaxConcurrentStreams,
		backoffPolicy:               cfg.backoffPolicy,

		status:       statusActive,
		shutdownDone: make(chan struct{}),
	}

	for i := 0; i < p.connectionsPerPool; i++ {
		p.addConn()
	}
	// Bootstrap: start the first connection manager eagerly so the pool
	// has a path to readiness without waiting for the load threshold,
	// which only wakes additional idle managers once there is already
	// demand to justify them.
	if len(p.conns) > 0 {
		p.conns[0].mgr.Start(ctx)
	}

	return p
}

// ID returns this Pool's identity, as passed to New and reported to
// Accountant.
func (p *Pool) ID() uint64 { return p.id }

// addConn creates one idle connection manager, wires its observer
// callbacks to hop back onto exec, and tells the accountant its assumed
// capacity. Must run on exec (as during quiescing handoff), or during New
// before the Pool is reachable from any other goroutine.
func (p *Pool) addConn() *entry {
	id := p.nextConnID
	p.nextConnID++

	mgr := connmgr.New(id, p.dialer, p.target, p.backoffPolicy, p.delegate)
	e := &entry{mgr: mgr, state: connstate.New()}
	p.conns = append(p.conns, e)

	e.unregisterOnState = mgr.OnStateChange(func(old, new connmgr.State) {
		p.exec.Submit(p.ctx, func(ctx context.Context) { p.handleStateChange(e, old, new) })
	})
	mgr.OnSettings(func(n uint32) {
		p.exec.Submit(p.ctx, func(ctx context.Context) { p.handleSettings(e, n) })
	})
	mgr.OnQuiescing(func() {
		p.exec.Submit(p.ctx, func(ctx context.Context) { p.handleQuiescing(e) })
	})

	p.delegate.ConnectionAdded(id)
	p.accountant.ChangeStreamCapacity(p.id, int(p.assumedMaxConcurrentStreams))
	return e
}

// MakeStream reserves a stream on the most-available connection, or
// enqueues a Waiter bounded by deadline if none is available. init is
// invoked exactly once, by the underlying Multiplexer, before MakeStream
// returns a non-error Channel.
func (p *Pool) MakeStream(ctx context.Context, deadline time.Time, init transport.StreamInitializer) (transport.Channel, error) {
	type immediate struct {
		ch  transport.Channel
		err error
		w   *waiter.Waiter
	}
	resultCh := make(chan immediate, 1)

	p.exec.Submit(ctx, func(ctx context.Context) {
		ch, err, w := p.reserveOrEnqueue(ctx, deadline, init)
		resultCh <- immediate{ch, err, w}
	})

	var res immediate
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.w == nil {
		return res.ch, res.err
	}

	select {
	case r := <-res.w.Done():
		return r.Channel, r.Err
	case <-ctx.Done():
		cause := ctx.Err()
		w := res.w
		p.exec.Submit(p.ctx, func(ctx context.Context) { p.cancelWaiter(w, cause) })
		return nil, cause
	}
}

// reserveOrEnqueue implements the make_stream selection algorithm. It
// runs on exec. Exactly one of (ch, w) is non-nil on a nil-error return;
// w is non-nil when the request was queued rather than resolved.
func (p *Pool) reserveOrEnqueue(ctx context.Context, deadline time.Time, init transport.StreamInitializer) (transport.Channel, error, *waiter.Waiter) {
	if p.status != statusActive {
		return nil, status.ShutdownError{}, nil
	}

	if len(p.waiters) == 0 {
		if e := p.pickEntry(); e != nil {
			ch, err := p.reserveAndOpen(ctx, e, init)
			if err == nil {
				p.maybeWakeIdle(ctx)
				return ch, nil, nil
			}
			p.mostRecentErr = err
		}
	}

	if len(p.waiters) >= p.maxWaiters {
		return nil, status.TooManyWaitersError{Cause: p.mostRecentErr}, nil
	}

	deadlineCtx, cancel := context.WithDeadline(p.ctx, deadline)
	id := p.nextWaiterID
	p.nextWaiterID++
	w := waiter.New(id, deadlineCtx, cancel)
	p.waiters = append(p.waiters, pendingWaiter{w: w, init: init})

	cause := p.mostRecentErr
	w.ScheduleTimeout(p.ctx, func() error { return cause })

	p.maybeWakeIdle(ctx)
	return nil, nil, w
}

// pickEntry scans all connections and returns the one with the
// strictly-greatest available streams, or nil if none has capacity.
// Ties keep the earlier (lower scan-order) entry, matching insertion
// order since conns is only ever appended to.
func (p *Pool) pickEntry() *entry {
	var best *entry
	var bestAvail uint32
	for _, e := range p.conns {
		avail := e.state.AvailableStreams()
		if avail == 0 {
			continue
		}
		if best == nil || avail > bestAvail {
			best, bestAvail = e, avail
		}
	}
	return best
}

// reserveAndOpen reserves one slot on e and opens a stream on it,
// releasing the reservation if OpenStream fails. The initializer handed
// to OpenStream combines PCS accounting, the delegate notification, and
// the caller's own init, in that order.
func (p *Pool) reserveAndOpen(ctx context.Context, e *entry, init transport.StreamInitializer) (transport.Channel, error) {
	mux, ok := e.mgr.Multiplexer()
	if !ok {
		return nil, fmt.Errorf("pool: connection %d has no multiplexer", e.mgr.ID())
	}
	if !e.state.Reserve() {
		return nil, fmt.Errorf("pool: connection %d has no available streams", e.mgr.ID())
	}

	combined := func(ch transport.Channel) {
		util := e.state.StreamOpened()
		p.delegate.ConnectionUtilizationChanged(e.mgr.ID(), util.Open, util.MaxAvailable)
		if init != nil {
			init(ch)
		}
	}

	ch, err := mux.OpenStream(ctx, combined)
	if err != nil {
		e.state.ReleaseReservation()
		return nil, err
	}

	return &pooledChannel{pool: p, entry: e, inner: ch}, nil
}

// serviceWaiters iterates the waiter queue head-first, resolving every
// waiter it can with currently-available capacity and dropping expired
// ones, stopping at the first waiter it cannot yet serve.
func (p *Pool) serviceWaiters(ctx context.Context) {
	for len(p.waiters) > 0 {
		pw := p.waiters[0]
		if pw.w.Expired() {
			p.waiters = p.waiters[1:]
			continue
		}
		e := p.pickEntry()
		if e == nil {
			return
		}
		ch, err := p.reserveAndOpen(ctx, e, pw.init)
		if err != nil {
			p.mostRecentErr = err
			return
		}
		p.waiters = p.waiters[1:]
		pw.w.Succeed(ch)
	}
}

// cancelWaiter removes w from the queue and fails it with cause, used
// when the caller awaiting MakeStream gives up before the waiter
// resolves. If w is no longer in the queue, serviceWaiters must have
// already resolved it on this same executor between the caller's
// ctx.Done() firing and this task running; in that case w.Succeed has
// already delivered a real Channel to w.Done() that nobody will ever
// read, so cancelWaiter drains it and closes the Channel to release the
// reserved/open slot it holds instead of leaking it.
func (p *Pool) cancelWaiter(w *waiter.Waiter, cause error) {
	for i, pw := range p.waiters {
		if pw.w.ID() == w.ID() {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			pw.w.Fail(cause)
			return
		}
	}

	select {
	case r := <-w.Done():
		if r.Channel != nil {
			r.Channel.Close()
		}
	default:
	}
}

// maybeWakeIdle starts the first idle connection manager if the pool's
// load ratio has reached reservationLoadThreshold.
func (p *Pool) maybeWakeIdle(ctx context.Context) {
	capacity := p.totalCapacity()
	if capacity == 0 {
		return
	}
	reserved := 0
	for _, e := range p.conns {
		reserved += e.state.ReservedStreams()
	}
	load := float64(reserved+len(p.waiters)) / float64(capacity)
	if load < p.reservationLoadThreshold {
		return
	}
	for _, e := range p.conns {
		if e.mgr.State() == connmgr.StateIdle {
			e.mgr.Start(ctx)
			return
		}
	}
}

func (p *Pool) totalCapacity() int {
	total := 0
	for _, e := range p.conns {
		if e.state.HasSettings() {
			total += int(e.state.MaxAvailableStreams())
		} else {
			total += int(p.assumedMaxConcurrentStreams)
		}
	}
	return total
}

// handleStateChange reacts to a connection manager leaving the ready
// state: its PCS is marked unavailable, any streams it had reserved are
// refunded to the accountant, and a transient failure is recorded as the
// pool's most recent error for annotating future waiter failures.
func (p *Pool) handleStateChange(e *entry, old, new connmgr.State) {
	switch new {
	case connmgr.StateTransientFailure, connmgr.StateIdle, connmgr.StateShutdown:
		if dropped := e.state.MarkUnavailable(); dropped > 0 {
			p.accountant.ReturnStreams(p.id, dropped)
		}
		if new == connmgr.StateTransientFailure {
			p.mostRecentErr = e.mgr.LastError()
		}
	}
	p.serviceWaiters(p.ctx)
}

// handleSettings updates e's PCS capacity and informs the accountant of
// the delta against whatever capacity it previously assumed for e
// (either a prior SETTINGS value, or assumedMaxConcurrentStreams on the
// first one). Receiving SETTINGS is evidence of health, so it also
// clears mostRecentErr.
func (p *Pool) handleSettings(e *entry, n uint32) {
	prev, hadSettings := e.state.UpdateMaxConcurrentStreams(n)
	baseline := prev
	if !hadSettings {
		baseline = p.assumedMaxConcurrentStreams
	}
	if delta := int(n) - int(baseline); delta != 0 {
		p.accountant.ChangeStreamCapacity(p.id, delta)
	}
	p.mostRecentErr = nil
	p.serviceWaiters(p.ctx)
}

// handleQuiescing marks e's PCS quiescing, refunds its still-reserved
// streams (they will finish but accept no new work), drops the
// state-change observer this pool registered on e.mgr, and arranges for
// a fresh idle connection manager to take e's place once its underlying
// connection actually closes, keeping the pool's effective connection
// count constant.
func (p *Pool) handleQuiescing(e *entry) {
	e.state.MarkQuiescing()
	if dropped := e.state.ReservedStreams(); dropped > 0 {
		p.accountant.ReturnStreams(p.id, dropped)
	}
	p.accountant.ChangeStreamCapacity(p.id, -int(e.state.MaxAvailableStreams()))

	if e.unregisterOnState != nil {
		e.unregisterOnState()
		e.unregisterOnState = nil
	}

	e.mgr.OnCurrentConnectionClose(func() {
		p.exec.Submit(p.ctx, func(ctx context.Context) { p.replaceQuiescedConn(e) })
	})
}

func (p *Pool) replaceQuiescedConn(old *entry) {
	for i, e := range p.conns {
		if e == old {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.delegate.ConnectionRemoved(old.mgr.ID())
	p.addConn()
	p.maybeWakeIdle(p.ctx)
}

// handleStreamClosed records that one stream opened through e has
// closed, refunds it to the accountant unless e is quiescing (in which
// case it was already refunded at quiescing time), and re-services the
// waiter queue. Once the pool has left statusActive a close is ignored:
// the shutdown's state change has already cleared e's PCS counts.
func (p *Pool) handleStreamClosed(e *entry) {
	p.exec.Submit(p.ctx, func(ctx context.Context) {
		if p.status != statusActive {
			return
		}
		util := e.state.StreamClosed()
		p.delegate.ConnectionUtilizationChanged(e.mgr.ID(), util.Open, util.MaxAvailable)
		if !e.state.IsQuiescing() {
			p.accountant.ReturnStreams(p.id, 1)
		}
		p.serviceWaiters(ctx)
	})
}

// Shutdown stops the pool: forceful cancels in-flight streams
// immediately; graceful lets them finish, up to deadline. Every
// in-flight and queued waiter fails with status.ShutdownError before
// Shutdown returns. Repeat calls coalesce onto the first call's result.
func (p *Pool) Shutdown(mode transport.ShutdownMode, deadline time.Time) error {
	type snapshot struct {
		conns           []*entry
		alreadyShutdown bool
	}
	snapCh := make(chan snapshot, 1)

	p.exec.Submit(p.ctx, func(ctx context.Context) {
		if p.status != statusActive {
			snapCh <- snapshot{alreadyShutdown: true}
			return
		}
		p.status = statusShuttingDown
		for _, pw := range p.waiters {
			pw.w.Fail(status.ShutdownError{})
		}
		p.waiters = nil
		snapCh <- snapshot{conns: append([]*entry{}, p.conns...)}
	})

	snap := <-snapCh
	if snap.alreadyShutdown {
		<-p.shutdownDone
		return p.shutdownErr
	}

	gopool := context.Pool(p.ctx)
	var wg sync.WaitGroup
	errs := make([]error, len(snap.conns))
	for i, e := range snap.conns {
		i, e := i, e
		wg.Add(1)
		gopool.Submit(p.ctx, func() {
			defer wg.Done()
			errs[i] = e.mgr.Shutdown(mode, deadline)
		})
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	doneCh := make(chan struct{})
	p.exec.Submit(p.ctx, func(ctx context.Context) {
		for _, e := range snap.conns {
			p.delegate.ConnectionRemoved(e.mgr.ID())
		}
		p.status = statusShutdown
		p.shutdownErr = firstErr
		close(p.shutdownDone)
		close(doneCh)
	})
	<-doneCh

	return firstErr
}

// pooledChannel wraps a transport.Channel opened through the pool so
// Close also drives the owning entry's PCS accounting exactly once.
type pooledChannel struct {
	pool  *Pool
	entry *entry
	inner transport.Channel

	closeOnce sync.Once
}

func (c *pooledChannel) Close() error {
	err := c.inner.Close()
	c.closeOnce.Do(func() {
		c.pool.handleStreamClosed(c.entry)
	})
	return err
}

var _ transport.Channel = (*pooledChannel)(nil)
