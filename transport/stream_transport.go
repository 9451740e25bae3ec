// Package transport adapts a raw byte-stream connection (TCP, TLS-over-
// TCP, or a Unix-domain stream socket) to the session package's
// Transport contract, and runs the per-connection read loop that feeds
// bytes into a ring buffer and drains whole frames through dispatch.
//
// The single-reader-goroutine-plus-write-mutex shape is the teacher's
// own: server.go's handleConn runs one sequential read loop per
// connection (reads must stay sequential to parse frame boundaries),
// and client_transport.go's sending mutex serializes writes so two
// goroutines can never interleave a frame's bytes on the wire. Here
// there is exactly one session per connection rather than one
// multiplexed RPC transport, so Send's "register before write" race
// fix lives in session.SendRequest instead of here — but the
// serialize-writes-with-a-mutex idiom is identical.
package transport

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"sessionnet/dispatch"
	"sessionnet/frame"
	"sessionnet/ringbuf"
	"sessionnet/session"
)

// Conn is the minimal capability StreamTransport needs from a
// connection; net.Conn, tls.Conn and a Unix *net.UnixConn all satisfy
// it without adaptation.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// StreamTransport is one connection's session.Transport implementation
// plus its read loop. A session and its transport reference each
// other, so construction is two steps: NewStreamTransport, then Bind
// once the Session exists.
type StreamTransport struct {
	conn       Conn
	clientSide bool
	deps       dispatch.Deps
	log        *logrus.Entry

	writeMu sync.Mutex

	sess *session.Session
	rb   *ringbuf.RingBuffer
}

// NewStreamTransport wraps conn. deps carries the controller's session
// lookup and handshake hooks that dispatch needs (pass dispatch.Deps{}
// from a pure client that never resolves UNKNOWN_SESSION or accepts
// INIT_START).
func NewStreamTransport(conn Conn, clientSide bool, deps dispatch.Deps, log *logrus.Entry) *StreamTransport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StreamTransport{
		conn:       conn,
		clientSide: clientSide,
		deps:       deps,
		log:        log,
		rb:         ringbuf.New(4096),
	}
}

// Bind attaches the Session this transport feeds; must be called
// before ReadLoop starts.
func (t *StreamTransport) Bind(sess *session.Session) {
	t.sess = sess
}

// Send writes a complete frame to the connection. The write mutex
// matters once multiple goroutines can call Send concurrently on the
// same session (send_stream's per-chunk loop racing a send_request
// from another goroutine, for instance) — without it, two writers'
// bytes could interleave mid-frame.
func (t *StreamTransport) Send(raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(raw)
	if err == nil {
		if h, herr := frame.PeekHeader(raw); herr == nil {
			t.deps.Metrics.ObserveSent(h.Type, len(raw))
		}
	}
	return err
}

func (t *StreamTransport) Close() error  { return t.conn.Close() }
func (t *StreamTransport) IsClient() bool { return t.clientSide }

// ReadLoop reads from the connection until it errors or returns io.EOF,
// feeding bytes into the ring buffer and draining every whole frame
// through dispatch.ProcessBytes between reads. Meant to run in its own
// goroutine, exactly one per connection (mirrors handleConn's "single
// goroutine reads frames" comment). On any read error it disconnects
// the bound session.
func (t *StreamTransport) ReadLoop() error {
	buf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			_, _ = t.rb.Write(buf[:n])
			for {
				consumed := dispatch.ProcessBytes(t.sess, t.rb, t.deps)
				if consumed == 0 {
					break
				}
				t.rb.Discard(consumed)
			}
		}
		if err != nil {
			t.sess.Disconnect()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
