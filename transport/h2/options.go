package h2

import (
	"time"

	"github.com/gostdlib/base/retry/exponential"
)

// config holds the Dialer's tunables.
type config struct {
	// path is the pseudo-path every opened stream's request carries. It
	// has no meaning to this package; a peer may use it for routing.
	path string

	// dialTimeout bounds TCP connect + TLS handshake. The HTTP/2 client
	// preface written afterwards is not covered by it.
	dialTimeout time.Duration

	// pollInterval is how often a conn's background loop re-reads
	// ClientConn.State() to detect SETTINGS/GOAWAY/close transitions.
	pollInterval time.Duration

	// retryPolicy is exposed for callers building their own reconnect
	// loop on top of Dialer. connmgr does not read it: a connmgr.Manager
	// takes its policy as an argument to connmgr.New.
	retryPolicy exponential.Policy
}

func defaultConfig() *config {
	return &config{
		path:         "/",
		dialTimeout:  10 * time.Second,
		pollInterval: 25 * time.Millisecond,
		retryPolicy:  exponential.FastRetryPolicy(),
	}
}

// Option configures a Dialer.
type Option func(*config)

// WithPath sets the pseudo-path used for every opened stream. Default "/".
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithDialTimeout bounds how long Dial waits for TCP connect and TLS
// handshake; the HTTP/2 connection preface that follows is not bounded by
// it. Default 10s.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = timeout
	}
}

// WithPollInterval sets how often a dialed connection's background loop
// re-reads http2.ClientConn.State() looking for SETTINGS/GOAWAY/close
// transitions. Default 25ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithRetryPolicy sets the backoff policy callers driving reconnection
// on top of this Dialer should use. Default exponential.FastRetryPolicy().
func WithRetryPolicy(policy exponential.Policy) Option {
	return func(c *config) {
		c.retryPolicy = policy
	}
}

// RetryPolicy returns the Dialer's configured backoff policy, so a caller
// can pass the same policy to connmgr.New for a Manager using this Dialer.
func (d *Dialer) RetryPolicy() exponential.Policy {
	return d.cfg.retryPolicy
}
