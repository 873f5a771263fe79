package poolmgr

import (
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/h2pool/delegate"
	"github.com/bearlytools/h2pool/pool"
)

// config holds configuration shared by every per-executor Pool a
// PoolManager creates.
type config struct {
	connectionsPerPool          int
	maxWaitersPerExecutor       int
	reservationLoadThreshold    float64
	assumedMaxConcurrentStreams uint32
	backoffPolicy               exponential.Policy
	delegate                    delegate.Delegate
}

func defaultConfig() *config {
	return &config{
		connectionsPerPool:          1,
		maxWaitersPerExecutor:       64,
		reservationLoadThreshold:    0.8,
		assumedMaxConcurrentStreams: 100,
		backoffPolicy:               exponential.SecondsRetryPolicy(),
	}
}

// poolOptions translates the manager-wide config into the per-Pool
// options every owned Pool is built with.
func (c *config) poolOptions() []pool.Option {
	opts := []pool.Option{
		pool.WithConnectionsPerPool(c.connectionsPerPool),
		pool.WithMaxWaiters(c.maxWaitersPerExecutor),
		pool.WithReservationLoadThreshold(c.reservationLoadThreshold),
		pool.WithAssumedMaxConcurrentStreams(c.assumedMaxConcurrentStreams),
		pool.WithBackoffPolicy(c.backoffPolicy),
	}
	if c.delegate != nil {
		opts = append(opts, pool.WithDelegate(c.delegate))
	}
	return opts
}

// Option configures a PoolManager.
type Option func(*config)

// WithConnectionsPerPool sets the upper bound on concurrent connection
// managers each owned pool maintains. Default is 1.
func WithConnectionsPerPool(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.connectionsPerPool = n
		}
	}
}

// WithMaxWaitersPerExecutor sets the upper bound on queued waiters for
// each owned pool. Default is 64.
func WithMaxWaitersPerExecutor(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxWaitersPerExecutor = n
		}
	}
}

// WithReservationLoadThreshold sets the load ratio at which an owned
// pool attempts to wake an idle connection manager. Default is 0.8.
func WithReservationLoadThreshold(f float64) Option {
	return func(c *config) { c.reservationLoadThreshold = f }
}

// WithAssumedMaxConcurrentStreams sets the stream capacity assumed for
// a connection manager (and for routing purposes, a whole pool) before
// its first SETTINGS frame arrives. Default is 100.
func WithAssumedMaxConcurrentStreams(n uint32) Option {
	return func(c *config) {
		if n > 0 {
			c.assumedMaxConcurrentStreams = n
		}
	}
}

// WithBackoffPolicy sets the reconnection backoff policy forwarded to
// every connection manager in every owned pool. Default is
// exponential.SecondsRetryPolicy().
func WithBackoffPolicy(p exponential.Policy) Option {
	return func(c *config) { c.backoffPolicy = p }
}

// WithDelegate sets the observer notified of connection lifecycle
// events across every owned pool. Default is delegate.NoopDelegate{}.
func WithDelegate(d delegate.Delegate) Option {
	return func(c *config) { c.delegate = d }
}
