package pool

import (
	"github.com/gostdlib/base/retry/exponential"

	"github.com/bearlytools/h2pool/delegate"
)

// config holds configuration for a Pool.
type config struct {
	connectionsPerPool          int
	maxWaiters                  int
	reservationLoadThreshold    float64
	assumedMaxConcurrentStreams uint32
	backoffPolicy               exponential.Policy
	delegate                    delegate.Delegate
}

func defaultConfig() *config {
	return &config{
		connectionsPerPool:          1,
		maxWaiters:                  64,
		reservationLoadThreshold:    0.8,
		assumedMaxConcurrentStreams: 100,
		backoffPolicy:               exponential.SecondsRetryPolicy(),
	}
}

// Option configures a Pool.
type Option func(*config)

// WithConnectionsPerPool sets the upper bound on concurrent connection
// managers the pool maintains. Default is 1.
func WithConnectionsPerPool(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.connectionsPerPool = n
		}
	}
}

// WithMaxWaiters sets the upper bound on queued waiters. Default is 64.
func WithMaxWaiters(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxWaiters = n
		}
	}
}

// WithReservationLoadThreshold sets the (reserved+waiters)/capacity ratio
// at which the pool attempts to wake an idle connection manager. Default
// is 0.8.
func WithReservationLoadThreshold(f float64) Option {
	return func(c *config) {
		c.reservationLoadThreshold = f
	}
}

// WithAssumedMaxConcurrentStreams sets the stream capacity assumed for a
// connection manager that has not yet received a SETTINGS frame. Default
// is 100.
func WithAssumedMaxConcurrentStreams(n uint32) Option {
	return func(c *config) {
		if n > 0 {
			c.assumedMaxConcurrentStreams = n
		}
	}
}

// WithBackoffPolicy sets the reconnection backoff policy forwarded to
// every connection manager the pool creates. Default is
// exponential.SecondsRetryPolicy().
func WithBackoffPolicy(p exponential.Policy) Option {
	return func(c *config) {
		c.backoffPolicy = p
	}
}

// WithDelegate sets the observer notified of connection lifecycle events.
// Default is delegate.NoopDelegate{}.
func WithDelegate(d delegate.Delegate) Option {
	return func(c *config) {
		c.delegate = d
	}
}
