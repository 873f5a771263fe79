// Package poolmgr implements the Pool Manager: the top-level object that
// owns one Connection Pool per executor in a configured group and routes
// each stream request either to the caller's preferred executor or to
// whichever pool currently looks most available. It is the one piece of
// this module with state shared across executors, so unlike pool it
// guards its bookkeeping with a real mutex rather than relying on
// executor affinity.
package poolmgr

import (
	"fmt"
	"sync"
	"time"

	basesync "github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/h2pool/delegate"
	"github.com/bearlytools/h2pool/executor"
	"github.com/bearlytools/h2pool/pool"
	"github.com/bearlytools/h2pool/status"
	"github.com/bearlytools/h2pool/transport"
)

type pmState uint8

const (
	stateActive pmState = iota
	stateModifying
	stateShuttingDown
	stateShutdown
)

// tally is the PoolManager's coarse, advisory mirror of one pool's real
// PCS accounting: enough to rank pools for routing, not enough (nor
// intended) to be the source of truth for actual reservations.
type tally struct {
	reserved     int
	maxAvailable int
}

// PoolManager owns one Pool per executor in a fixed group, decided at
// construction, and routes make_stream calls across them.
type PoolManager struct {
	ctx      context.Context
	delegate delegate.Delegate

	mu         basesync.Mutex
	pools      map[uint64]*pool.Pool
	order      []uint64
	accounting map[uint64]*tally
	state      pmState

	shutdownErr  error
	shutdownDone chan struct{}
}

// New builds a PoolManager with one Pool per executor in execs, all
// targeting target via dialer. Every pool is pre-populated and its first
// connection manager started eagerly, exactly as pool.New does for a
// single pool; the PoolManager itself comes up active; there is no
// separate Run step. Returns an error if execs is empty or names the
// same executor twice, which this module treats as a programming error
// rather than something to silently tolerate.
func New(ctx context.Context, execs []*executor.Executor, dialer transport.Dialer, target transport.Target, opts ...Option) (*PoolManager, error) {
	if len(execs) == 0 {
		return nil, fmt.Errorf("poolmgr: at least one executor is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	dlg := cfg.delegate
	if dlg == nil {
		dlg = delegate.NoopDelegate{}
	}

	pm := &PoolManager{
		ctx:          ctx,
		delegate:     dlg,
		pools:        make(map[uint64]*pool.Pool, len(execs)),
		accounting:   make(map[uint64]*tally, len(execs)),
		state:        stateActive,
		shutdownDone: make(chan struct{}),
	}

	// Pre-register a tally for every executor before constructing any
	// Pool: each Pool's addConn calls back into ChangeStreamCapacity
	// during pool.New itself, before this loop has a chance to record
	// the resulting *pool.Pool in pm.pools.
	for _, ex := range execs {
		id := ex.ID()
		if _, dup := pm.accounting[id]; dup {
			return nil, fmt.Errorf("poolmgr: executor id %d given more than once", id)
		}
		pm.accounting[id] = &tally{}
		pm.order = append(pm.order, id)
	}

	for _, ex := range execs {
		p := pool.New(ctx, ex.ID(), ex, dialer, target, pm, cfg.poolOptions()...)
		pm.pools[ex.ID()] = p
	}

	return pm, nil
}

// MakeStream routes one stream request to a pool and returns the opened
// channel along with the id of the executor whose pool served it.
// preferredExecutor, if non-nil and known to this manager, is used
// regardless of load; otherwise the pool with the strictly-greatest
// advisory available-stream count is picked, ties favoring the
// executor listed earliest to New.
func (pm *PoolManager) MakeStream(ctx context.Context, preferredExecutor *executor.Executor, deadline time.Time, init transport.StreamInitializer) (transport.Channel, uint64, error) {
	pm.mu.Lock()
	if pm.state != stateActive {
		pm.mu.Unlock()
		return nil, 0, status.ShutdownError{}
	}

	var (
		targetID uint64
		p        *pool.Pool
	)
	if preferredExecutor != nil {
		if pp, ok := pm.pools[preferredExecutor.ID()]; ok {
			targetID, p = preferredExecutor.ID(), pp
		}
	}
	if p == nil {
		targetID, p = pm.pickPool()
	}
	if t, ok := pm.accounting[targetID]; ok {
		t.reserved++
	}
	pm.mu.Unlock()

	ch, err := p.MakeStream(ctx, deadline, init)
	if err != nil {
		// The optimistic reservation above never became a real one;
		// release it so future routing decisions don't drift.
		pm.mu.Lock()
		if t, ok := pm.accounting[targetID]; ok {
			t.reserved--
			if t.reserved < 0 {
				t.reserved = 0
			}
		}
		pm.mu.Unlock()
		return nil, targetID, err
	}
	return ch, targetID, nil
}

// pickPool returns the pool with the strictly-greatest advisory
// available-stream count, breaking ties toward the executor listed
// earliest to New. Must be called with mu held. Always returns a pool
// when at least one exists, even if every pool's advisory availability
// is zero or negative — the pool itself is responsible for queuing the
// request if it truly has no capacity.
func (pm *PoolManager) pickPool() (uint64, *pool.Pool) {
	var (
		bestID    uint64
		best      *pool.Pool
		bestAvail int
		set       bool
	)
	for _, id := range pm.order {
		t := pm.accounting[id]
		avail := t.maxAvailable - t.reserved
		if !set || avail > bestAvail {
			bestID, best, bestAvail, set = id, pm.pools[id], avail, true
		}
	}
	return bestID, best
}

// ReturnStreams implements pool.Accountant: it decrements poolID's
// advisory reserved tally by count, floored at zero.
func (pm *PoolManager) ReturnStreams(poolID uint64, count int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if t, ok := pm.accounting[poolID]; ok {
		t.reserved -= count
		if t.reserved < 0 {
			t.reserved = 0
		}
	}
}

// ChangeStreamCapacity implements pool.Accountant: it adjusts poolID's
// advisory max-available tally by delta, floored at zero.
func (pm *PoolManager) ChangeStreamCapacity(poolID uint64, delta int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if t, ok := pm.accounting[poolID]; ok {
		t.maxAvailable += delta
		if t.maxAvailable < 0 {
			t.maxAvailable = 0
		}
	}
}

// Shutdown stops every owned pool: forceful cancels in-flight streams
// immediately, graceful lets them finish up to deadline. Repeat calls
// coalesce onto the first call's result.
func (pm *PoolManager) Shutdown(mode transport.ShutdownMode, deadline time.Time) error {
	pm.mu.Lock()
	if pm.state != stateActive {
		pm.mu.Unlock()
		<-pm.shutdownDone
		return pm.shutdownErr
	}
	pm.state = stateModifying
	pools := make([]*pool.Pool, 0, len(pm.pools))
	for _, id := range pm.order {
		pools = append(pools, pm.pools[id])
	}
	pm.state = stateShuttingDown
	pm.mu.Unlock()

	gopool := context.Pool(pm.ctx)
	var wg sync.WaitGroup
	errs := make([]error, len(pools))
	for i, p := range pools {
		i, p := i, p
		wg.Add(1)
		gopool.Submit(pm.ctx, func() {
			defer wg.Done()
			errs[i] = p.Shutdown(mode, deadline)
		})
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	pm.mu.Lock()
	pm.state = stateShutdown
	pm.shutdownErr = firstErr
	close(pm.shutdownDone)
	pm.mu.Unlock()

	return firstErr
}

var _ pool.Accountant = (*PoolManager)(nil)
