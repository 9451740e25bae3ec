// Package controller is the process-wide owner of every session this
// program is party to: it accepts and dials connections, allocates
// server-side nonces for the handshake, resolves UNKNOWN_SESSION
// against the live session table, and drives the shared reply/blocker
// registries and heartbeat broadcast on a single timer loop.
//
// The accept-loop / shutdown-flag / errgroup-drain shape is grounded on
// server/server.go's Serve and Shutdown: a shutdown atomic.Bool set
// before the listener closes (so Accept's resulting error is recognized
// as intentional rather than propagated), and in-flight work drained
// with a timeout instead of blocking shutdown forever.
package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sessionnet/blocker"
	"sessionnet/dispatch"
	"sessionnet/frame"
	"sessionnet/metrics"
	"sessionnet/middleware"
	"sessionnet/protoerr"
	"sessionnet/reply"
	"sessionnet/session"
	"sessionnet/transport"
)

// TickInterval is how often the controller drains the reply and blocker
// registries for expirations.
const TickInterval = 100 * time.Millisecond

// HeartbeatEvery paces the heartbeat broadcast to once every N timer
// ticks (10 * 100ms = once a second).
const HeartbeatEvery = 10

// heartbeatRateLimit and heartbeatBurst bound how fast broadcastHeartbeat
// fans sends out across the session table, the same token-bucket idiom
// middleware.RateLimitMiddleware applies per request.
const (
	heartbeatRateLimit = 200 // sessions/sec
	heartbeatBurst     = 50
)

// Controller owns every Session this process is a party to, plus the
// registries and listeners they share.
type Controller struct {
	log *logrus.Entry
	cb  session.Callbacks

	replies  *reply.Registry
	blockers *blocker.Registry

	mu       sync.Mutex
	sessions map[uint32]*session.Session
	nonce    uint32 // atomic, via atomic.AddUint32

	chain   middleware.Middleware
	metrics *metrics.Collector

	heartbeatLimiter *rate.Limiter

	listenersMu sync.Mutex
	listeners   []net.Listener

	shutdown atomic.Bool
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// New creates a Controller that fires cb on every session it owns
// (client-dialed or server-accepted alike). replyTimeout is how long a
// reply-expecting frame may go unanswered before MESSAGE_TIMEOUT
// (reply.DefaultTimeout when <= 0); a SendRequest caller's wait is
// bounded by the timeout passed to SendRequest itself.
func New(cb session.Callbacks, replyTimeout time.Duration, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &Controller{
		log:              log,
		cb:               cb,
		replies:          reply.New(replyTimeout),
		blockers:         blocker.New(),
		sessions:         make(map[uint32]*session.Session),
		chain:            middleware.Chain(middleware.LoggingMiddleware(log)),
		heartbeatLimiter: rate.NewLimiter(rate.Limit(heartbeatRateLimit), heartbeatBurst),
		group:            g,
		groupCtx:         gctx,
		cancel:           cancel,
	}
	c.group.Go(func() error { return c.runTimerLoop(c.groupCtx) })
	return c
}

// UseRateLimit installs a token-bucket limit on inbound frame routing,
// on top of the default logging middleware every Controller starts
// with. Must be called before any session is accepted or dialed.
func (c *Controller) UseRateLimit(framesPerSecond float64, burst int) {
	c.chain = middleware.Chain(middleware.LoggingMiddleware(c.log), middleware.RateLimitMiddleware(framesPerSecond, burst))
}

// UseMetrics installs a metrics.Collector so every frame, handshake,
// and timeout this controller handles is recorded. Must be called
// before any session is accepted or dialed; nil disables recording
// (the default, since every Collector method is nil-safe).
func (c *Controller) UseMetrics(m *metrics.Collector) {
	c.metrics = m
}

// Lookup implements dispatch.SessionLookup.
func (c *Controller) Lookup(sessionID uint32) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

// AllocateServerNonce implements dispatch.Handshake: a monotonically
// increasing 16-bit nonce, skipping zero so a composite id with a zero
// server half can never collide with a not-yet-registered session.
func (c *Controller) AllocateServerNonce() uint16 {
	for {
		n := atomic.AddUint32(&c.nonce, 1)
		if v := uint16(n); v != 0 {
			return v
		}
	}
}

func (c *Controller) register(s *session.Session) {
	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()
}

func (c *Controller) deregister(id uint32) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// wrapCallbacks installs the controller's own Opened/Closed hooks
// around the caller's callbacks so every accepted or dialed session
// self-registers and self-deregisters, without asking every call site
// to remember to do it.
func (c *Controller) wrapCallbacks() session.Callbacks {
	cb := c.cb
	userOpened, userClosed := cb.Opened, cb.Closed
	cb.Opened = func(s *session.Session, id frame.Identifier) {
		c.register(s)
		c.metrics.SessionOpened()
		if userOpened != nil {
			userOpened(s, id)
		}
	}
	cb.Closed = func(s *session.Session, id frame.Identifier) {
		c.deregister(s.ID())
		c.metrics.SessionClosed()
		if userClosed != nil {
			userClosed(s, id)
		}
	}
	return cb
}

func (c *Controller) newSession(conn transport.Conn, clientSide bool) (*session.Session, *transport.StreamTransport) {
	deps := dispatch.Deps{Lookup: c, Handshake: c, Chain: c.chain, Metrics: c.metrics, Log: c.log}
	st := transport.NewStreamTransport(conn, clientSide, deps, c.log)
	s := session.New(st, clientSide, c.replies, c.blockers, c.wrapCallbacks(), c.log)
	st.Bind(s)
	return s, st
}

// runForConn binds conn to a fresh Session and launches its sender task
// (Run) and read loop (ReadLoop), both under the controller's errgroup
// so Shutdown can drain them. The session registers itself in the
// controller's table from the Opened callback once the handshake
// actually completes — SESSION-type frames bypass the UNKNOWN_SESSION
// lookup entirely, so there's no window where an in-progress handshake
// needs to be looked up by a not-yet-assigned id.
func (c *Controller) runForConn(conn transport.Conn, clientSide bool) (*session.Session, error) {
	s, st := c.newSession(conn, clientSide)
	c.group.Go(func() error {
		s.Run(c.groupCtx)
		return nil
	})
	c.group.Go(func() error {
		if err := st.ReadLoop(); err != nil {
			c.log.WithError(err).Debug("controller: read loop ended")
		}
		return nil
	})
	return s, nil
}

// --- Accepting ---

// ListenTCP accepts plain TCP connections on addr until Shutdown.
func (c *Controller) ListenTCP(addr string) error {
	ln, err := transport.ListenTCP(addr)
	if err != nil {
		return err
	}
	c.startAcceptLoop(ln)
	return nil
}

// ListenTLS accepts TLS-over-TCP connections on addr, loading the given
// certificate and key files.
func (c *Controller) ListenTLS(addr, certFile, keyFile string) error {
	ln, err := transport.ListenTLS(addr, certFile, keyFile)
	if err != nil {
		return err
	}
	c.startAcceptLoop(ln)
	return nil
}

// ListenUnix accepts connections on a Unix-domain stream socket path.
func (c *Controller) ListenUnix(path string) error {
	ln, err := transport.ListenUnix(path)
	if err != nil {
		return err
	}
	c.startAcceptLoop(ln)
	return nil
}

func (c *Controller) startAcceptLoop(ln net.Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, ln)
	c.listenersMu.Unlock()
	c.group.Go(func() error { return c.acceptLoop(ln) })
}

func (c *Controller) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.shutdown.Load() {
				return nil
			}
			return err
		}
		if _, err := c.runForConn(conn, false); err != nil {
			c.log.WithError(err).Warn("controller: failed to start accepted connection")
			_ = conn.Close()
		}
	}
}

// --- Dialing ---

// Dial opens a plain TCP connection and drives the client half of the
// handshake, returning the ACTIVE session once INIT_REPLY arrives.
func (c *Controller) Dial(addr string, identifier frame.Identifier, timeout time.Duration) (*session.Session, error) {
	conn, err := transport.DialTCP(addr)
	if err != nil {
		return nil, err
	}
	return c.connect(conn, identifier, timeout)
}

// DialTLS opens a TLS-over-TCP connection and drives the handshake.
func (c *Controller) DialTLS(addr string, cfg *tls.Config, identifier frame.Identifier, timeout time.Duration) (*session.Session, error) {
	conn, err := transport.DialTLS(addr, cfg)
	if err != nil {
		return nil, err
	}
	return c.connect(conn, identifier, timeout)
}

// DialUnix opens a connection to a Unix-domain stream socket and drives
// the handshake.
func (c *Controller) DialUnix(path string, identifier frame.Identifier, timeout time.Duration) (*session.Session, error) {
	conn, err := transport.DialUnix(path)
	if err != nil {
		return nil, err
	}
	return c.connect(conn, identifier, timeout)
}

func (c *Controller) connect(conn transport.Conn, identifier frame.Identifier, timeout time.Duration) (*session.Session, error) {
	s, err := c.runForConn(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.ConnectSession(identifier, timeout); err != nil {
		c.metrics.HandshakeTimedOut()
		s.Disconnect()
		return nil, err
	}
	return s, nil
}

// --- Timer loop ---

func (c *Controller) runTimerLoop(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	var tick int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			for _, exp := range c.replies.Tick(TickInterval) {
				c.metrics.ReplyTimedOut()
				if s, ok := exp.Origin.(*session.Session); ok {
					s.NotifyError(protoerr.MessageTimeout, fmt.Sprintf("TIMEOUT of message: %d (%s)", exp.Key, frame.TypeName(exp.FrameType)))
				}
			}
			// Blocker expirations already wake their parked SendRequest
			// caller via the timed-out Result on the channel Block
			// returned; the owning session's error callback still needs
			// a MESSAGE_TIMEOUT notification of its own.
			for _, exp := range c.blockers.Tick(TickInterval) {
				c.metrics.BlockerTimedOut()
				if s, ok := exp.Origin.(*session.Session); ok {
					s.NotifyError(protoerr.MessageTimeout, fmt.Sprintf("TIMEOUT of request: %d", exp.ID))
				}
			}
			if tick%HeartbeatEvery == 0 {
				c.broadcastHeartbeat()
			}
		}
	}
}

// broadcastHeartbeat sends a heartbeat on every ACTIVE session, paced
// by heartbeatLimiter so a large session table can't burst the wire all
// at once. A session that isn't ACTIVE yet (still mid-handshake) would
// only confuse a peer that has no session id to match the frame
// against, so it's skipped.
func (c *Controller) broadcastHeartbeat() {
	c.mu.Lock()
	targets := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.IsReady() {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		if err := c.heartbeatLimiter.Wait(c.groupCtx); err != nil {
			return
		}
		if err := s.SendHeartbeat(); err != nil {
			c.log.WithError(err).Debug("controller: heartbeat send failed")
		}
	}
}

// --- Shutdown ---

// Shutdown stops accepting new connections, closes every owned session,
// and waits for all background goroutines (accept loops, read loops,
// the timer loop) to finish, up to timeout.
func (c *Controller) Shutdown(timeout time.Duration) error {
	c.shutdown.Store(true)

	c.listenersMu.Lock()
	for _, ln := range c.listeners {
		_ = ln.Close()
	}
	c.listenersMu.Unlock()

	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Disconnect()
	}

	c.cancel()

	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("controller: shutdown timed out after %s", timeout)
	}
}
