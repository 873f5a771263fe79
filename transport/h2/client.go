// Package h2 is the one concrete transport.Dialer this module ships. It
// dials a TCP (optionally TLS) connection and wraps it in an
// *http2.ClientConn, bridging the connection-state snapshot that package
// exposes (MaxConcurrentStreams, StreamsActive, StreamsReserved, Closed,
// Closing) into the transport.Connection event callbacks the pool depends
// on.
//
// golang.org/x/net/http2 does not expose a push-based event API for
// SETTINGS/GOAWAY on a bare ClientConn, so this adapter polls
// ClientConn.State() on a short interval and diffs it against the last
// observed snapshot. That is the one place this module steps outside
// pure event-driven code, and it is isolated entirely to this package —
// connmgr, connstate, pool, and poolmgr never see it.
package h2

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/h2pool/transport"
)

// StreamContentType is the content type set on every opened stream's
// request. It has no semantic meaning to the pool; it exists so a real
// peer can route the request.
const StreamContentType = "application/octet-stream"

// Common errors.
var (
	ErrClosed = errors.New("h2: connection closed")
	ErrNotAvailable = errors.New("h2: connection is not accepting new streams")
	ErrDialUnsupport = errors.New("h2: dialer requires a non-empty target host")
)

// tlsConfig embeds transport.TLSConfig to pick up that interface's
// unexported marker method, which a type outside package transport cannot
// declare for itself. The embedded value is always nil and never called.
type tlsConfig struct {
	transport.TLSConfig
	cfg *tls.Config
}

// TLSConfig wraps a *tls.Config as an opaque transport.TLSConfig handle.
// Pass nil for cleartext (h2c).
func TLSConfig(cfg *tls.Config) transport.TLSConfig {
	return tlsConfig{cfg: cfg}
}

// Dialer dials backends over real TCP/TLS sockets and speaks HTTP/2 on the
// resulting connection via golang.org/x/net/http2.
type Dialer struct {
	cfg *config
}

// NewDialer creates a Dialer. See Option for tunables.
func NewDialer(opts ...Option) *Dialer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Dialer{cfg: cfg}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, target transport.Target) (transport.Connection, error) {
	if target.Host == "" {
		return nil, ErrDialUnsupport
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.dialTimeout)
	defer cancel()

	var (
		netConn net.Conn
		err     error
	)
	var nd net.Dialer
	if tc, ok := target.TLSConfig.(tlsConfig); ok && tc.cfg != nil {
		tlsCfg := tc.cfg.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = target.Host
		}
		netConn, err = (&tls.Dialer{NetDialer: &nd, Config: tlsCfg}).DialContext(dialCtx, "tcp", target.Addr())
	} else {
		netConn, err = nd.DialContext(dialCtx, "tcp", target.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("h2: dial %s: %w", target.Addr(), err)
	}

	t2 := &http2.Transport{
		AllowHTTP:          true,
		DisableCompression: true,
	}
	cc, err := t2.NewClientConn(netConn)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("h2: handshake %s: %w", target.Addr(), err)
	}

	authority := target.Authority
	if authority == "" {
		authority = target.Addr()
	}

	c := &conn{
		cc:           cc,
		url:          &url.URL{Scheme: "http", Host: authority, Path: d.cfg.path},
		pollInterval: d.cfg.pollInterval,
	}
	c.start(ctx)
	return c, nil
}

// conn implements transport.Connection by polling an *http2.ClientConn.
type conn struct {
	cc  *http2.ClientConn
	url *url.URL

	pollInterval time.Duration
	cancelPoll   context.CancelFunc

	mu          sync.Mutex
	settingsCbs []func(uint32)
	goAwayCbs   []func(error)
	ioErrCbs    []func(error)
	closeCbs    []func()
	lastMax     uint32
	sawSettings bool
	goneAway    bool
	closeFired  bool
	lastIOErr   error
}

func (c *conn) OnSettings(cb func(uint32)) {
	c.mu.Lock()
	c.settingsCbs = append(c.settingsCbs, cb)
	max := c.lastMax
	fire := c.sawSettings
	c.mu.Unlock()
	if fire {
		cb(max)
	}
}

func (c *conn) OnGoAway(cb func(error)) {
	c.mu.Lock()
	c.goAwayCbs = append(c.goAwayCbs, cb)
	c.mu.Unlock()
}

func (c *conn) OnIOError(cb func(error)) {
	c.mu.Lock()
	c.ioErrCbs = append(c.ioErrCbs, cb)
	c.mu.Unlock()
}

func (c *conn) OnClose(cb func()) {
	c.mu.Lock()
	if c.closeFired {
		c.mu.Unlock()
		cb()
		return
	}
	c.closeCbs = append(c.closeCbs, cb)
	c.mu.Unlock()
}

func (c *conn) Multiplexer() (transport.Multiplexer, bool) {
	c.mu.Lock()
	ok := c.sawSettings && !c.goneAway
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &muxer{cc: c.cc, url: c.url}, true
}

func (c *conn) Shutdown(mode transport.ShutdownMode, deadline time.Time) error {
	if c.cancelPoll != nil {
		c.cancelPoll()
	}

	var err error
	if mode == transport.Forceful {
		err = c.cc.Close()
	} else {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		err = c.cc.Shutdown(ctx)
	}

	// cancelPoll stops the background loop before it can observe the
	// close itself, so Shutdown reports it directly rather than leaving
	// Multiplexer and OnClose callbacks stale after a call that already
	// returned.
	c.markClosed()
	return err
}

// markClosed marks the connection closed and fires OnClose callbacks at
// most once, whether the close was observed by pollLoop or is being
// reported directly by Shutdown.
func (c *conn) markClosed() {
	c.mu.Lock()
	if c.closeFired {
		c.mu.Unlock()
		return
	}
	c.closeFired = true
	c.goneAway = true
	cbs := append([]func(){}, c.closeCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// start launches the background poller that bridges ClientConn.State()
// into the event callbacks.
func (c *conn) start(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancelPoll = cancel

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		c.pollLoop(pollCtx)
	})
}

func (c *conn) pollLoop(ctx context.Context) {
	interval := c.pollInterval
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.poll() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll reads one ClientConnState snapshot and fires any callbacks the
// diff warrants. Returns true once the connection has fully closed.
func (c *conn) poll() bool {
	st := c.cc.State()

	c.mu.Lock()
	if st.MaxConcurrentStreams != c.lastMax || !c.sawSettings {
		c.lastMax = st.MaxConcurrentStreams
		c.sawSettings = true
		cbs := append([]func(uint32){}, c.settingsCbs...)
		c.mu.Unlock()
		for _, cb := range cbs {
			cb(st.MaxConcurrentStreams)
		}
		c.mu.Lock()
	}

	if st.Closing && !c.goneAway && !st.Closed {
		c.goneAway = true
		cbs := append([]func(error){}, c.goAwayCbs...)
		c.mu.Unlock()
		for _, cb := range cbs {
			cb(nil)
		}
		c.mu.Lock()
	}

	if st.Closed {
		c.mu.Unlock()
		c.markClosed()
		return true
	}
	c.mu.Unlock()
	return false
}

// reportIOError is used by muxer when a RoundTrip fails in a way that
// indicates the connection itself, not just the stream, is broken.
func (c *conn) reportIOError(err error) {
	c.mu.Lock()
	c.lastIOErr = err
	cbs := append([]func(error){}, c.ioErrCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// muxer implements transport.Multiplexer over one http2.ClientConn.
type muxer struct {
	cc  *http2.ClientConn
	url *url.URL
}

func (m *muxer) OpenStream(ctx context.Context, init transport.StreamInitializer) (transport.Channel, error) {
	if !m.cc.CanTakeNewRequest() {
		return nil, ErrNotAvailable
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url.String(), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("h2: build stream request: %w", err)
	}
	req.Header.Set("content-type", StreamContentType)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := m.cc.RoundTrip(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-ctx.Done():
		pw.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	case err := <-errCh:
		pw.CloseWithError(err)
		return nil, fmt.Errorf("h2: open stream: %w", err)
	case resp := <-respCh:
		ch := &channel{reader: resp.Body, writer: pw}
		init(ch)
		return ch, nil
	}
}

// channel implements transport.Channel as one open HTTP/2 stream: a pipe
// writer feeding the request body, and the response body as the read
// side. Closing either end ends the stream.
type channel struct {
	reader io.ReadCloser
	writer *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

// Read and Write let a caller's StreamInitializer treat the channel like
// an io.ReadWriteCloser, matching the shape RPC frameworks built on this
// pool (e.g. the teacher's own rpc/client) expect from a stream.
func (ch *channel) Read(p []byte) (int, error)  { return ch.reader.Read(p) }
func (ch *channel) Write(p []byte) (int, error) { return ch.writer.Write(p) }

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	werr := ch.writer.Close()
	rerr := ch.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

var (
	_ transport.Dialer      = (*Dialer)(nil)
	_ transport.Connection  = (*conn)(nil)
	_ transport.Multiplexer = (*muxer)(nil)
	_ transport.Channel     = (*channel)(nil)
)
