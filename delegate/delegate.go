// Package delegate defines the observer interface the pool notifies of
// connection lifecycle events, plus the no-op, logging, and metrics
// implementations most callers need. The pool only ever calls through
// the Delegate interface — it never logs or records metrics directly —
// so a caller who wants silence gets NoopDelegate for free.
//
// Delegate methods must be non-blocking; an implementation that needs to
// do real work should hand it off (e.g. to its own goroutine or a buffered
// channel). ConnectionAdded, ConnectionRemoved and
// ConnectionUtilizationChanged are called by the pool, on its executor
// (or, for the connections pool.New creates, on New's caller).
// StartedConnecting, ConnectFailed, ConnectSucceeded, ConnectionQuiescing
// and ConnectionClosed are called by the connection manager on whatever
// goroutine observed the event, not on the pool's executor, and may run
// concurrently with each other.
package delegate

// Delegate observes one pool's connection lifecycle.
type Delegate interface {
	// ConnectionAdded fires when a new CM is created for the pool.
	ConnectionAdded(id uint64)
	// ConnectionRemoved fires when a CM is dropped from the pool
	// (replaced after quiescing, or removed at shutdown).
	ConnectionRemoved(id uint64)

	// StartedConnecting fires when a CM begins a dial attempt.
	StartedConnecting(id uint64)
	// ConnectFailed fires when a dial/handshake attempt fails.
	ConnectFailed(id uint64, err error)
	// ConnectSucceeded fires when a CM becomes ready, reporting the
	// peer's advertised stream capacity.
	ConnectSucceeded(id uint64, streamCapacity uint32)

	// ConnectionUtilizationChanged fires on every stream open/close.
	ConnectionUtilizationChanged(id uint64, streamsUsed int, streamCapacity uint32)

	// ConnectionQuiescing fires once when a CM receives a no-error
	// GOAWAY and stops accepting new streams.
	ConnectionQuiescing(id uint64)
	// ConnectionClosed fires once when a CM's underlying connection
	// closes, for any reason. err is nil for a clean close.
	ConnectionClosed(id uint64, err error)
}

// NoopDelegate implements Delegate with no-ops. It is the pool's default.
type NoopDelegate struct{}

func (NoopDelegate) ConnectionAdded(uint64)                            {}
func (NoopDelegate) ConnectionRemoved(uint64)                          {}
func (NoopDelegate) StartedConnecting(uint64)                          {}
func (NoopDelegate) ConnectFailed(uint64, error)                       {}
func (NoopDelegate) ConnectSucceeded(uint64, uint32)                   {}
func (NoopDelegate) ConnectionUtilizationChanged(uint64, int, uint32)  {}
func (NoopDelegate) ConnectionQuiescing(uint64)                        {}
func (NoopDelegate) ConnectionClosed(uint64, error)                    {}

var (
	_ Delegate = NoopDelegate{}
)
