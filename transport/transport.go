// Package transport defines the external collaborator contract the pool
// depends on: a dialer that produces HTTP/2 connections, and the stream
// multiplexer those connections expose once a handshake completes.
//
// The pool never interprets TLS or HTTP/2 framing itself — it is handed a
// Connection and drives it through the lifecycle described in connmgr,
// reacting to the events the Connection reports. See package transport/h2
// for the one concrete implementation this module ships.
package transport

import (
	"net"
	"strconv"
	"time"

	"github.com/gostdlib/base/context"
)

// ShutdownMode selects how a Connection or Multiplexer is asked to stop.
type ShutdownMode uint8

const (
	// Forceful closes immediately, cancelling any in-flight streams.
	Forceful ShutdownMode = iota
	// Graceful stops accepting new streams and waits for open ones to
	// finish, up to a deadline supplied alongside the mode.
	Graceful
)

// Target identifies the single endpoint a Dialer connects to. The pool
// targets exactly one endpoint; name resolution and multi-endpoint load
// balancing are out of scope (spec.md §1 Non-goals).
type Target struct {
	// Host and Port name the backend. Authority overrides the HTTP/2
	// authority pseudo-header when non-empty (useful behind a proxy).
	Host      string
	Port      int
	Authority string

	// TLSConfig is an opaque handle; the pool never inspects it. A nil
	// value dials in cleartext (h2c).
	TLSConfig TLSConfig
}

// Addr renders the target as a "host:port" dial address, or just Host when
// Port is 0.
func (t Target) Addr() string {
	if t.Port == 0 {
		return t.Host
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// TLSConfig is an opaque TLS handle. Package transport/h2 defines the
// concrete type that satisfies it (a thin wrapper over *tls.Config); the
// pool only ever passes it through without interpreting it.
type TLSConfig interface {
	// private is unexported, so a type outside package transport
	// satisfies TLSConfig only by embedding it, as transport/h2's wrapper
	// does.
	private()
}

// Dialer establishes new Connections to a Target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Connection, error)
}

// Connection is one dialed HTTP/2 connection, prior to or after the
// handshake completes. All methods must be safe for concurrent use.
type Connection interface {
	// Multiplexer returns the stream multiplexer for this connection.
	// Returns false until the handshake has completed (i.e. before the
	// first OnSettings callback fires) or after the connection stops
	// accepting new streams.
	Multiplexer() (Multiplexer, bool)

	// OnSettings registers a callback invoked every time the peer's
	// SETTINGS frame updates max concurrent streams. Fires at least once
	// on successful handshake.
	OnSettings(cb func(maxConcurrentStreams uint32))

	// OnGoAway registers a callback invoked when the peer sends GOAWAY.
	// err is nil for a clean/no-error GOAWAY (quiescing); non-nil for an
	// error GOAWAY.
	OnGoAway(cb func(err error))

	// OnIOError registers a callback invoked on a fatal I/O error.
	OnIOError(cb func(err error))

	// OnClose registers a callback invoked exactly once when the
	// underlying connection closes, for any reason.
	OnClose(cb func())

	// Shutdown closes the connection. For Graceful mode, deadline bounds
	// how long to wait for in-flight streams before forcing closed.
	Shutdown(mode ShutdownMode, deadline time.Time) error
}

// StreamInitializer is invoked once a stream opens, before the open-stream
// call returns, so the caller can attach send/receive plumbing to it.
type StreamInitializer func(ch Channel)

// Channel is one HTTP/2 stream opened on a Multiplexer.
type Channel interface {
	// Close ends the stream. The caller that obtained the Channel from the
	// pool closes it; the pool's wrapper counts only the first Close as
	// the PCS's stream_closed event.
	Close() error
}

// Multiplexer opens new HTTP/2 streams on a ready, non-quiescing
// Connection.
type Multiplexer interface {
	// OpenStream opens one stream, invokes init(channel) synchronously
	// once the stream is open, and returns the channel. Returns an error
	// if the connection no longer accepts new streams (quiescing or
	// closed).
	OpenStream(ctx context.Context, init StreamInitializer) (Channel, error)
}
