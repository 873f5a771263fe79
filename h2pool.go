// Package h2pool is the public façade over the Pool Manager: a Channel
// that owns one connection pool per executor and exposes a single
// make_stream entry point, the way a gRPC ClientConn fronts its balancer
// and subconns. Everything below this package — poolmgr, pool, connmgr,
// connstate, waiter — is usable on its own, but most callers only ever
// need a Channel.
package h2pool

import (
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/h2pool/executor"
	"github.com/bearlytools/h2pool/poolmgr"
	"github.com/bearlytools/h2pool/transport"
)

// Option configures a Channel. It is poolmgr.Option renamed at this
// boundary so callers never need to import poolmgr directly for the
// common case.
type Option = poolmgr.Option

var (
	WithConnectionsPerPool          = poolmgr.WithConnectionsPerPool
	WithMaxWaitersPerExecutor       = poolmgr.WithMaxWaitersPerExecutor
	WithReservationLoadThreshold    = poolmgr.WithReservationLoadThreshold
	WithAssumedMaxConcurrentStreams = poolmgr.WithAssumedMaxConcurrentStreams
	WithBackoffPolicy               = poolmgr.WithBackoffPolicy
	WithDelegate                    = poolmgr.WithDelegate
)

// Channel is a client-side handle to one backend target, fronting a
// Pool Manager that owns one connection pool per executor in execs.
type Channel struct {
	pm *poolmgr.PoolManager
}

// New builds a Channel targeting target over connections dialer
// produces, with one pool per executor in execs. Every pool is
// pre-populated and its first connection manager started eagerly, so a
// Channel begins dialing as soon as New returns.
func New(ctx context.Context, execs []*executor.Executor, dialer transport.Dialer, target transport.Target, opts ...Option) (*Channel, error) {
	pm, err := poolmgr.New(ctx, execs, dialer, target, opts...)
	if err != nil {
		return nil, err
	}
	return &Channel{pm: pm}, nil
}

// MakeStream opens one stream, routed to preferredExecutor's pool if
// non-nil, else to whichever pool currently looks most available. init
// is invoked exactly once, by the chosen pool's Multiplexer, before
// MakeStream returns a non-error result. It reports the id of the
// executor whose pool actually served the request, which may differ
// from preferredExecutor.ID() if preferredExecutor was nil or unknown.
func (c *Channel) MakeStream(ctx context.Context, preferredExecutor *executor.Executor, deadline time.Time, init transport.StreamInitializer) (transport.Channel, uint64, error) {
	return c.pm.MakeStream(ctx, preferredExecutor, deadline, init)
}

// Shutdown stops every pool the Channel owns. forceful cancels
// in-flight streams immediately; graceful lets them finish up to
// deadline. Repeat calls coalesce onto the first call's result.
func (c *Channel) Shutdown(mode transport.ShutdownMode, deadline time.Time) error {
	return c.pm.Shutdown(mode, deadline)
}
