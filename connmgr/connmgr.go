// Package connmgr implements the Connection Manager: the state machine
// that owns one HTTP/2 connection's lifecycle — dial, handshake, ready,
// backoff-driven reconnection, quiescing, and shutdown — and publishes
// its state transitions and SETTINGS/close events to its owning pool.
package connmgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bearlytools/h2pool/delegate"
	"github.com/bearlytools/h2pool/transport"
)

// State is one of the Connection Manager's lifecycle states.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateTransientFailure
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ErrShutdown is returned by operations attempted after Shutdown.
var ErrShutdown = errors.New("connmgr: manager is shutdown")

// StateChangeFunc observes a state transition.
type StateChangeFunc func(old, new State)

// stateObserver pairs a StateChangeFunc with an id so OnStateChange's
// returned unregister func can find and remove it later.
type stateObserver struct {
	id uint64
	cb StateChangeFunc
}

// SettingsFunc observes a peer SETTINGS update.
type SettingsFunc func(maxConcurrentStreams uint32)

// Manager drives one HTTP/2 connection's lifecycle. The zero value is not
// usable; construct with New.
type Manager struct {
	id       uint64
	dialer   transport.Dialer
	target   transport.Target
	policy   exponential.Policy
	delegate delegate.Delegate
	tracer   trace.Tracer

	mu        sync.Mutex
	state     State
	quiescing bool
	conn      transport.Connection
	mux       transport.Multiplexer
	lastErr   error
	closeCh   chan struct{}
	baseCtx   context.Context

	nextObserverID     uint64
	stateObservers     []stateObserver
	settingsObservers  []SettingsFunc
	quiescingObservers []func()
	currentCloseOnce   []func()
}

// ManagerOption configures optional Manager behavior beyond its required
// constructor arguments.
type ManagerOption func(*Manager)

// WithTracer wraps each dial+handshake attempt in a span from t. Dialing
// is the only suspending, externally-visible operation a Manager
// performs, so it is the only one worth tracing.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// New constructs a Manager for one connection slot. It starts idle; call
// Start to begin dialing.
func New(id uint64, dialer transport.Dialer, target transport.Target, policy exponential.Policy, dlg delegate.Delegate, opts ...ManagerOption) *Manager {
	if dlg == nil {
		dlg = delegate.NoopDelegate{}
	}
	m := &Manager{
		id:       id,
		dialer:   dialer,
		target:   target,
		policy:   policy,
		delegate: dlg,
		state:    StateIdle,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns this Manager's stable identity.
func (m *Manager) ID() uint64 { return m.id }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsQuiescing reports whether the current ready connection is quiescing.
func (m *Manager) IsQuiescing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quiescing
}

// LastError returns the most recently observed connect/IO error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers a callback invoked on every state transition.
// The returned func deregisters cb; calling it more than once is a no-op.
func (m *Manager) OnStateChange(cb StateChangeFunc) (unregister func()) {
	m.mu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	m.stateObservers = append(m.stateObservers, stateObserver{id: id, cb: cb})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, obs := range m.stateObservers {
			if obs.id == id {
				m.stateObservers = append(m.stateObservers[:i], m.stateObservers[i+1:]...)
				return
			}
		}
	}
}

// OnSettings registers a callback invoked on every peer SETTINGS update.
func (m *Manager) OnSettings(cb SettingsFunc) {
	m.mu.Lock()
	m.settingsObservers = append(m.settingsObservers, cb)
	m.mu.Unlock()
}

// OnQuiescing registers a callback invoked once when this Manager's
// connection enters the quiescing sub-state (a no-error GOAWAY). The pool
// uses this to mark the PCS quiescing and hand off to a fresh idle CM,
// distinct from the Delegate notification connmgr fires for observability.
func (m *Manager) OnQuiescing(cb func()) {
	m.mu.Lock()
	m.quiescingObservers = append(m.quiescingObservers, cb)
	m.mu.Unlock()
}

// OnCurrentConnectionClose registers a one-shot callback that fires when
// the currently active underlying connection closes. Used by the pool for
// quiescing handoff: it removes the old PCS and inserts a fresh idle CM
// once the quiescing connection's last stream finishes.
func (m *Manager) OnCurrentConnectionClose(cb func()) {
	m.mu.Lock()
	m.currentCloseOnce = append(m.currentCloseOnce, cb)
	m.mu.Unlock()
}

// Multiplexer returns the current stream multiplexer if ready and not
// quiescing.
func (m *Manager) Multiplexer() (transport.Multiplexer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.quiescing || m.mux == nil {
		return nil, false
	}
	return m.mux, true
}

// Start idempotently begins dialing if currently idle.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return
	}
	m.baseCtx = ctx
	m.mu.Unlock()

	m.beginConnecting(ctx)
}

// beginConnecting launches a fresh backoff-driven connect episode. It is
// called both by Start (from idle) and by handleIOError/handleGoAway
// (from transient_failure, after the prior episode already exited on
// success). Each attempt inside the episode transitions into
// StateConnecting immediately before dialing, so a failed attempt's
// backoff wait is exactly the "transient_failure → connecting after
// backoff timer elapses" window the state diagram calls for.
func (m *Manager) beginConnecting(ctx context.Context) {
	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		m.connectWithRetry(ctx)
	})
}

func (m *Manager) connectWithRetry(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		select {
		case <-m.closeCh:
			cancel()
		case <-connectCtx.Done():
		}
	})

	backoff, err := exponential.New(exponential.WithPolicy(m.policy))
	if err != nil {
		m.fail(fmt.Errorf("connmgr: build backoff: %w", err))
		return
	}

	err = backoff.Retry(connectCtx, func(retryCtx context.Context, _ exponential.Record) error {
		m.mu.Lock()
		if m.state == StateShutdown {
			m.mu.Unlock()
			return exponential.ErrRetryCanceled
		}
		old := m.state
		m.state = StateConnecting
		m.mu.Unlock()
		if old != StateConnecting {
			m.fireStateChange(old, StateConnecting)
		}

		m.delegate.StartedConnecting(m.id)

		err := m.tryConnect(retryCtx)
		if err != nil {
			m.mu.Lock()
			if m.state == StateShutdown {
				m.mu.Unlock()
				return exponential.ErrRetryCanceled
			}
			old := m.state
			m.state = StateTransientFailure
			m.lastErr = err
			m.mu.Unlock()
			m.delegate.ConnectFailed(m.id, err)
			m.fireStateChange(old, StateTransientFailure)
		}
		return err
	})

	if err != nil && !errors.Is(err, exponential.ErrRetryCanceled) {
		m.mu.Lock()
		if m.state != StateShutdown {
			m.state = StateTransientFailure
			m.lastErr = err
		}
		m.mu.Unlock()
	}
}

// tryConnect performs one dial attempt and wires event callbacks on
// success. The manager moves to StateReady only once the connection's
// first SETTINGS frame arrives (see handleSettings).
func (m *Manager) tryConnect(ctx context.Context) error {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "connmgr.dial", trace.WithAttributes(
			attribute.String("target", m.target.Addr()),
			attribute.Int64("connection.id", int64(m.id)),
		))
		defer span.End()
	}

	conn, err := m.dialer.Dial(ctx, m.target)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return err
	}

	m.mu.Lock()
	if m.state == StateShutdown {
		m.mu.Unlock()
		conn.Shutdown(transport.Forceful, time.Time{})
		return ErrShutdown
	}
	m.conn = conn
	m.quiescing = false
	m.mu.Unlock()

	conn.OnSettings(m.handleSettings)
	conn.OnGoAway(m.handleGoAway)
	conn.OnIOError(m.handleIOError)
	conn.OnClose(m.handleClose)

	return nil
}

func (m *Manager) handleSettings(n uint32) {
	m.mu.Lock()
	if m.state == StateShutdown {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = StateReady
	if mux, ok := m.conn.Multiplexer(); ok {
		m.mux = mux
	}
	m.lastErr = nil
	m.mu.Unlock()

	if old != StateReady {
		m.fireStateChange(old, StateReady)
		m.delegate.ConnectSucceeded(m.id, n)
	}
	m.fireSettings(n)
}

// handleGoAway reacts to a GOAWAY frame. err == nil means the peer is
// quiescing (no error); non-nil means an error GOAWAY, treated the same
// as an I/O error.
func (m *Manager) handleGoAway(err error) {
	if err != nil {
		m.handleIOError(err)
		return
	}

	m.mu.Lock()
	if m.state == StateShutdown || m.quiescing {
		m.mu.Unlock()
		return
	}
	m.quiescing = true
	m.mux = nil
	obs := append([]func(){}, m.quiescingObservers...)
	m.mu.Unlock()

	m.delegate.ConnectionQuiescing(m.id)
	for _, cb := range obs {
		cb()
	}
}

func (m *Manager) handleIOError(err error) {
	m.mu.Lock()
	if m.state == StateShutdown {
		m.mu.Unlock()
		return
	}
	old := m.state
	wasReady := m.state == StateReady
	m.state = StateTransientFailure
	m.lastErr = err
	m.mux = nil
	m.quiescing = false
	ctx := m.baseCtx
	m.mu.Unlock()

	m.fireStateChange(old, StateTransientFailure)

	// If this error arrived while a connect-retry episode was already in
	// flight (old == StateConnecting), that episode's own retry loop will
	// pick up the failure. A failure observed on an already-ready
	// connection needs a new episode started from scratch.
	if wasReady {
		m.beginConnecting(ctx)
	}
}

// handleClose reacts to the underlying connection closing for any
// reason. A clean close (no prior error, not quiescing) moves the
// manager back to idle so the pool can re-trigger Start on demand; other
// cases have already transitioned to transient_failure or shutdown.
func (m *Manager) handleClose() {
	m.mu.Lock()
	wasQuiescing := m.quiescing
	closeObservers := append([]func(){}, m.currentCloseOnce...)
	m.currentCloseOnce = nil
	state := m.state
	m.mu.Unlock()

	for _, cb := range closeObservers {
		cb()
	}

	if state == StateShutdown {
		m.delegate.ConnectionClosed(m.id, nil)
		return
	}

	m.mu.Lock()
	lastErr := m.lastErr
	m.mu.Unlock()

	if wasQuiescing {
		m.delegate.ConnectionClosed(m.id, nil)
		return
	}

	if state == StateReady {
		m.mu.Lock()
		old := m.state
		m.state = StateIdle
		m.mux = nil
		m.mu.Unlock()
		m.fireStateChange(old, StateIdle)
	}

	m.delegate.ConnectionClosed(m.id, lastErr)
}

// fail transitions directly to shutdown for an unrecoverable setup error
// (e.g. a malformed backoff policy), per the "local, fatal errors skip
// backoff" rule.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.state == StateShutdown {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = StateShutdown
	m.lastErr = err
	m.mu.Unlock()

	m.fireStateChange(old, StateShutdown)
	m.delegate.ConnectFailed(m.id, err)
}

// Shutdown closes the connection. For transport.Graceful, deadline bounds
// how long to wait for in-flight streams before forcing closed.
// Shutdown is idempotent and terminal.
func (m *Manager) Shutdown(mode transport.ShutdownMode, deadline time.Time) error {
	m.mu.Lock()
	if m.state == StateShutdown {
		m.mu.Unlock()
		return nil
	}
	old := m.state
	m.state = StateShutdown
	conn := m.conn
	m.mux = nil
	select {
	case <-m.closeCh:
	default:
		close(m.closeCh)
	}
	m.mu.Unlock()

	m.fireStateChange(old, StateShutdown)

	if conn != nil {
		return conn.Shutdown(mode, deadline)
	}
	return nil
}

func (m *Manager) fireStateChange(old, new State) {
	m.mu.Lock()
	obs := append([]stateObserver{}, m.stateObservers...)
	m.mu.Unlock()
	for _, o := range obs {
		o.cb(old, new)
	}
}

func (m *Manager) fireSettings(n uint32) {
	m.mu.Lock()
	cbs := append([]SettingsFunc{}, m.settingsObservers...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(n)
	}
}
