// Package dispatch implements process_bytes: the per-connection frame
// parser that turns buffered bytes into typed events and routes them
// to a Session's handlers. It owns no state of its own — everything it
// touches lives on the Session, its multi-block engine, or the
// session-lookup table passed in by the controller.
//
// The read-then-switch shape is grounded on server/server.go's
// handleConn loop (peek a length, validate, switch on message kind),
// generalized from that RPC server's single frame kind to this
// protocol's six frame types and their sub-types.
package dispatch

import (
	"github.com/sirupsen/logrus"

	"sessionnet/frame"
	"sessionnet/metrics"
	"sessionnet/middleware"
	"sessionnet/protoerr"
	"sessionnet/ringbuf"
	"sessionnet/session"
)

// SessionLookup resolves a composite session id to its owning Session,
// across every connection the controller manages. Dispatch consults it
// once per frame to raise UNKNOWN_SESSION; it never needs to route a
// frame to a session other than the one driving this call, because
// each connection's read loop already knows which Session it owns.
type SessionLookup interface {
	Lookup(sessionID uint32) (*session.Session, bool)
}

// Handshake lets the controller supply the server nonce a SESSION/
// INIT_START needs without dispatch owning any registry state itself.
// May be nil for a client-side session, which never receives
// INIT_START.
type Handshake interface {
	AllocateServerNonce() uint16
}

// Deps are dispatch's external collaborators, all owned by the
// controller. Lookup and Handshake may be nil: without Lookup no
// UNKNOWN_SESSION check is made, and without Handshake an INIT_START
// is logged and dropped. The controller sets both on every session it
// creates, client-side ones included.
// Chain, if set, wraps every frame that reaches routing — logging,
// rate-limiting, or any other cross-cutting concern the controller
// wants applied uniformly to inbound traffic.
type Deps struct {
	Lookup    SessionLookup
	Handshake Handshake
	Chain     middleware.Middleware
	Metrics   *metrics.Collector
	Log       *logrus.Entry
}

// ProcessBytes consumes at most one frame from the front of rb and
// dispatches it to sess. It returns the number of bytes the caller
// should discard from rb (0 means "wait for more bytes" or "a
// malformed frame was rejected and logged"); the caller — the
// transport's read loop — is responsible for the actual Discard.
func ProcessBytes(sess *session.Session, rb *ringbuf.RingBuffer, deps Deps) int {
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	headerBytes, ok := rb.Peek(frame.HeaderSize)
	if !ok {
		return 0
	}
	h, err := frame.PeekHeader(headerBytes)
	if err != nil {
		return 0
	}

	if h.Version != frame.Version {
		log.WithFields(logrus.Fields{"version": h.Version, "session_id": h.SessionID}).Warn("dispatch: rejecting frame with bad version")
		emitError(sess, h, protoerr.FalseVersion, frame.SubFalseVersion, "unsupported protocol version", deps.Metrics)
		return 0
	}

	if int(h.TotalSize) > rb.Len() {
		return 0
	}

	frameBytes, ok := rb.Peek(int(h.TotalSize))
	if !ok {
		return 0
	}

	if peer := sess.LinkedPeer(); peer != nil {
		_ = peer.RawSend(frameBytes)
		return int(h.TotalSize)
	}

	if h.IsReply() {
		sess.ClearReply(h)
	}

	if !frame.ValidateTrailer(frameBytes) {
		log.WithFields(logrus.Fields{"session_id": h.SessionID, "total_size": h.TotalSize}).Warn("dispatch: trailer sentinel mismatch")
		emitError(sess, h, protoerr.InvalidMessageSize, frame.SubInvalidMessage, "trailer sentinel mismatch", deps.Metrics)
		return 0
	}

	if h.Type != frame.TypeSession {
		if deps.Lookup != nil {
			if _, known := deps.Lookup.Lookup(h.SessionID); !known {
				log.WithFields(logrus.Fields{"session_id": h.SessionID}).Warn("dispatch: unknown session id")
				emitError(sess, h, protoerr.UnknownSession, frame.SubUnknownSession, "unknown session id", deps.Metrics)
				return int(h.TotalSize)
			}
		}
	}

	deps.Metrics.ObserveReceived(h.Type, int(h.TotalSize))

	body := frame.Body(frameBytes)
	handler := func(h frame.Header, body []byte) { route(sess, h, body, deps, log) }
	if deps.Chain != nil {
		handler = deps.Chain(handler)
	}
	handler(h, body)
	return int(h.TotalSize)
}

func route(sess *session.Session, h frame.Header, body []byte, deps Deps, log *logrus.Entry) {
	switch h.Type {
	case frame.TypeStream:
		routeStream(sess, h, body, log)
	case frame.TypeSingleBlock:
		routeSingleBlock(sess, h, body, log)
	case frame.TypeMultiBlock:
		routeMultiBlock(sess, h, body, log)
	case frame.TypeSession:
		routeSession(sess, h, body, deps, log)
	case frame.TypeHeartbeat:
		sess.HandleHeartbeat(h)
	case frame.TypeError:
		routeError(sess, body, log)
	default:
		log.WithField("type", h.Type).Warn("dispatch: unknown frame type")
	}
}

func routeStream(sess *session.Session, h frame.Header, body []byte, log *logrus.Entry) {
	if h.SubType == frame.SubStreamReply {
		return
	}
	sd, err := frame.DecodeStream(body)
	if err != nil {
		log.WithError(err).Warn("dispatch: malformed stream body")
		return
	}
	sess.HandleStream(h, sd.Payload)
}

func routeSingleBlock(sess *session.Session, h frame.Header, body []byte, log *logrus.Entry) {
	sb, err := frame.DecodeSingleBlock(body)
	if err != nil {
		log.WithError(err).Warn("dispatch: malformed single-block body")
		return
	}
	sess.HandleSingleBlock(h, sb)
}

func routeMultiBlock(sess *session.Session, h frame.Header, body []byte, log *logrus.Entry) {
	engine := sess.Engine()
	switch h.SubType {
	case frame.SubMultiInit:
		init, err := frame.DecodeMultiInit(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed multi_init body")
			return
		}
		engine.HandleInit(init)
	case frame.SubMultiInitReply:
		r, err := frame.DecodeMultiInitReply(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed multi_init_reply body")
			return
		}
		engine.HandleInitReply(r)
	case frame.SubMultiStatic:
		s, err := frame.DecodeMultiStatic(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed multi_static body")
			return
		}
		engine.HandleStatic(s)
	case frame.SubMultiFinish:
		f, err := frame.DecodeMultiFinish(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed multi_finish body")
			return
		}
		engine.HandleFinish(h, f)
	case frame.SubMultiAbortInit:
		a, err := frame.DecodeMultiAbortInit(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed multi_abort_init body")
			return
		}
		engine.HandleAbortInit(a)
	case frame.SubMultiAbortReply:
		a, err := frame.DecodeMultiAbortReply(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed multi_abort_reply body")
			return
		}
		engine.HandleAbortReply(a)
	default:
		log.WithField("sub_type", h.SubType).Warn("dispatch: unknown multi-block sub-type")
	}
}

func routeSession(sess *session.Session, h frame.Header, body []byte, deps Deps, log *logrus.Entry) {
	switch h.SubType {
	case frame.SubInitStart:
		if deps.Handshake == nil {
			log.Warn("dispatch: INIT_START received but no handshake hook installed")
			return
		}
		start, err := frame.DecodeInitStart(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed init_start body")
			return
		}
		reply := sess.AcceptSession(start, deps.Handshake.AllocateServerNonce())
		rh := frame.Header{Type: frame.TypeSession, SubType: frame.SubInitReply, MessageID: sess.NextMessageID()}
		if err := sess.SendFrame(rh, reply.Encode()); err != nil {
			log.WithError(err).Warn("dispatch: failed to send init_reply")
		}
	case frame.SubInitReply:
		ir, err := frame.DecodeInitReply(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed init_reply body")
			return
		}
		sess.CompleteHandshake(ir)
	case frame.SubCloseStart:
		cs, err := frame.DecodeCloseStart(body)
		if err != nil {
			log.WithError(err).Warn("dispatch: malformed close_start body")
			return
		}
		sess.HandleCloseStart(cs)
	case frame.SubCloseReply:
		sess.FinishClose()
	default:
		log.WithField("sub_type", h.SubType).Warn("dispatch: unknown session sub-type")
	}
}

func routeError(sess *session.Session, body []byte, log *logrus.Entry) {
	eb, err := frame.DecodeErrorBody(body)
	if err != nil {
		log.WithError(err).Warn("dispatch: malformed error body")
		return
	}
	sess.NotifyError(protoerr.Undefined, eb.Message)
}

// emitError builds and sends an ERROR frame reporting kind, and also
// fires the local error callback — wire errors are both reported to
// the peer and surfaced locally, per the propagation policy.
func emitError(sess *session.Session, received frame.Header, kind protoerr.Kind, sub byte, message string, m *metrics.Collector) {
	sess.NotifyError(kind, message)
	m.ProtocolError(kind.String())
	h := frame.Header{Type: frame.TypeError, SubType: sub, MessageID: received.MessageID, SessionID: received.SessionID}
	body := frame.ErrorBody{Message: message}.Encode()
	_ = sess.RawSend(frame.Build(h, body))
}
