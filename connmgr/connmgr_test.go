package connmgr

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/h2pool/transport"
)

// fakeConn is a minimal transport.Connection double driven directly by
// tests via its exported trigger methods, rather than by a real socket.
type fakeConn struct {
	mu          sync.Mutex
	settingsCbs []func(uint32)
	goAwayCbs   []func(error)
	ioErrCbs    []func(error)
	closeCbs    []func()
	mux         transport.Multiplexer
	shutdowns   int
}

func (c *fakeConn) Multiplexer() (transport.Multiplexer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux == nil {
		return nil, false
	}
	return c.mux, true
}

func (c *fakeConn) OnSettings(cb func(uint32)) {
	c.mu.Lock()
	c.settingsCbs = append(c.settingsCbs, cb)
	c.mu.Unlock()
}

func (c *fakeConn) OnGoAway(cb func(error)) {
	c.mu.Lock()
	c.goAwayCbs = append(c.goAwayCbs, cb)
	c.mu.Unlock()
}

func (c *fakeConn) OnIOError(cb func(error)) {
	c.mu.Lock()
	c.ioErrCbs = append(c.ioErrCbs, cb)
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(cb func()) {
	c.mu.Lock()
	c.closeCbs = append(c.closeCbs, cb)
	c.mu.Unlock()
}

func (c *fakeConn) Shutdown(transport.ShutdownMode, time.Time) error {
	c.mu.Lock()
	c.shutdowns++
	c.mu.Unlock()
	c.fireClose()
	return nil
}

func (c *fakeConn) fireSettings(n uint32) {
	c.mu.Lock()
	c.mux = &fakeMux{}
	cbs := append([]func(uint32){}, c.settingsCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(n)
	}
}

func (c *fakeConn) fireGoAway(err error) {
	c.mu.Lock()
	cbs := append([]func(error){}, c.goAwayCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func (c *fakeConn) fireIOError(err error) {
	c.mu.Lock()
	cbs := append([]func(error){}, c.ioErrCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func (c *fakeConn) fireClose() {
	c.mu.Lock()
	cbs := append([]func(){}, c.closeCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

type fakeMux struct{}

func (*fakeMux) OpenStream(context.Context, transport.StreamInitializer) (transport.Channel, error) {
	return nil, errors.New("not implemented in fakeMux")
}

// fakeDialer hands out pre-built fakeConns, or fails if failNext is set.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext []error
	dialed   int
}

func (d *fakeDialer) Dial(ctx context.Context, target transport.Target) (transport.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.dialed
	d.dialed++
	if idx < len(d.failNext) && d.failNext[idx] != nil {
		return nil, d.failNext[idx]
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestStartTransitionsIdleToConnectingToReady(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	m := New(1, d, transport.Target{Host: "localhost", Port: 1}, exponential.FastRetryPolicy(), nil)

	var transitions []State
	var mu sync.Mutex
	m.OnStateChange(func(old, new State) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	})

	m.Start(ctx)

	waitFor(t, time.Second, func() bool { return len(d.conns) == 1 })
	d.conns[0].fireSettings(100)

	waitFor(t, time.Second, func() bool { return m.State() == StateReady })

	mu.Lock()
	got := append([]State{}, transitions...)
	mu.Unlock()

	if len(got) < 2 || got[0] != StateConnecting || got[len(got)-1] != StateReady {
		t.Fatalf("transitions = %v, want to end in [Connecting ... Ready]", got)
	}
}

func TestOnStateChangeUnregisterStopsFurtherCallbacks(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	m := New(1, d, transport.Target{Host: "localhost"}, exponential.FastRetryPolicy(), nil)

	var mu sync.Mutex
	count := 0
	unregister := m.OnStateChange(func(old, new State) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	m.Start(ctx)
	waitFor(t, time.Second, func() bool { return len(d.conns) == 1 })
	d.conns[0].fireSettings(100)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })

	unregister()
	unregister() // must be idempotent

	mu.Lock()
	seenBeforeUnregister := count
	mu.Unlock()

	d.conns[0].fireIOError(errors.New("connection reset"))
	waitFor(t, time.Second, func() bool { return m.State() == StateTransientFailure })

	mu.Lock()
	defer mu.Unlock()
	if count != seenBeforeUnregister {
		t.Fatalf("count = %d after unregister, want unchanged from %d", count, seenBeforeUnregister)
	}
}

func TestIOErrorWhileReadyTriggersReconnect(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	m := New(1, d, transport.Target{Host: "localhost"}, exponential.FastRetryPolicy(), nil)
	m.Start(ctx)

	waitFor(t, time.Second, func() bool { return len(d.conns) == 1 })
	d.conns[0].fireSettings(100)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })

	d.conns[0].fireIOError(errors.New("connection reset"))
	waitFor(t, time.Second, func() bool { return m.State() == StateTransientFailure })

	waitFor(t, time.Second, func() bool { return len(d.conns) == 2 })
	d.conns[1].fireSettings(100)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })
}

func TestGoAwayNoErrorMarksQuiescing(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	m := New(1, d, transport.Target{Host: "localhost"}, exponential.FastRetryPolicy(), nil)
	m.Start(ctx)

	waitFor(t, time.Second, func() bool { return len(d.conns) == 1 })
	d.conns[0].fireSettings(100)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })

	d.conns[0].fireGoAway(nil)
	waitFor(t, time.Second, func() bool { return m.IsQuiescing() })

	if _, ok := m.Multiplexer(); ok {
		t.Fatalf("Multiplexer() ok = true while quiescing, want false")
	}
	if m.State() != StateReady {
		t.Fatalf("State() = %v while quiescing, want StateReady (quiescing is a sub-state)", m.State())
	}
}

func TestShutdownIsTerminalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{}
	m := New(1, d, transport.Target{Host: "localhost"}, exponential.FastRetryPolicy(), nil)
	m.Start(ctx)
	waitFor(t, time.Second, func() bool { return len(d.conns) == 1 })
	d.conns[0].fireSettings(100)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })

	if err := m.Shutdown(transport.Forceful, time.Time{}); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
	if m.State() != StateShutdown {
		t.Fatalf("State() after shutdown = %v, want StateShutdown", m.State())
	}

	if err := m.Shutdown(transport.Forceful, time.Time{}); err != nil {
		t.Fatalf("second Shutdown() = %v, want nil", err)
	}
}

func TestBackoffRetriesAfterConnectFailure(t *testing.T) {
	ctx := context.Background()
	d := &fakeDialer{failNext: []error{errors.New("dial refused")}}
	m := New(1, d, transport.Target{Host: "localhost"}, exponential.FastRetryPolicy(), nil)

	m.Start(ctx)

	waitFor(t, time.Second, func() bool { return m.State() == StateTransientFailure })

	waitFor(t, 2*time.Second, func() bool { return len(d.conns) == 1 })
	d.conns[0].fireSettings(50)
	waitFor(t, time.Second, func() bool { return m.State() == StateReady })
}
