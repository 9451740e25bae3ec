// Package multiblock implements the per-session multi-block transfer
// engine: an outgoing queue that fragments large payloads into
// MULTI_STATIC parts and drives them through the init/part/finish/
// abort sub-protocol, and an incoming table that reassembles them.
//
// The sender side's "drain a queue, block when nothing is ready, wake
// on enqueue" task shape is grounded on transport/pool.go's
// buffered-channel FIFO (ConnPool.Get/Put): there, a channel IS the
// queue and receivers block on it natively; here the queue is an
// ordered slice (because entries move between queued/ready/sending/
// cancelling states, which a bare channel can't express), but the
// "wake" channel that signals the sender goroutine reuses the same
// buffered, non-blocking-send idiom.
package multiblock

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"sessionnet/blocker"
	"sessionnet/frame"
	"sessionnet/protoerr"
)

var errClosed = errors.New("multiblock: engine closed")

// Host is the narrow capability the engine needs from its owning
// session: assign message ids, write frames to the transport, deliver
// a fully reassembled (or single-block) standalone payload to the
// user callback, and report protocol errors. Kept as an interface so
// this package never imports the session package.
type Host interface {
	SessionID() uint32
	NextMessageID() uint32
	SendFrame(h frame.Header, body []byte) error
	DeliverStandalone(id uint64, payload []byte)
	NotifyError(kind protoerr.Kind, message string)
}

type cancelSource byte

const (
	cancelNone cancelSource = iota
	cancelLocal
	cancelPeer
)

type outMsg struct {
	id         uint64
	payload    []byte
	ready      bool
	inProgress bool
	cancelling cancelSource

	// answerExpected means the session registered its own blocker keyed
	// on id and is waiting on it — a FAIL init-reply must cancel that
	// waiter. Set by send_request's multi-block path.
	answerExpected bool
	// blockerID is carried verbatim in this transfer's MULTI_FINISH body
	// (0 means no correlation). Set by send_response forwarding the
	// original requester's blocker id for a large reply.
	blockerID uint64
}

type inMsg struct {
	id    uint64
	total uint64
	buf   []byte
}

// Engine is one session's multi-block sender/receiver state.
type Engine struct {
	host     Host
	blockers *blocker.Registry
	log      *logrus.Entry

	mu       sync.Mutex
	outgoing []*outMsg
	incoming map[uint64]*inMsg
	ids      map[uint64]struct{} // live ids, outgoing ∪ incoming, for uniqueness
	wake     chan struct{}
	closed   bool
}

// NewEngine creates an engine bound to host, sharing the session's
// blocker registry (used to release a waiter on a blocker-correlated
// MULTI_FINISH and to cancel one when the peer rejects an
// answer-expecting transfer; the engine itself never blocks a caller —
// that is Session's job).
func NewEngine(host Host, blockers *blocker.Registry, log *logrus.Entry) *Engine {
	return &Engine{
		host:     host,
		blockers: blockers,
		log:      log,
		incoming: make(map[uint64]*inMsg),
		ids:      make(map[uint64]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Run drives the sender task until ctx is cancelled or Stop is called.
// Intended to run in its own goroutine, one per session.
func (e *Engine) Run(ctx context.Context) {
	for {
		msg := e.nextReady()
		if msg == nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}
		if !e.sendOne(msg) {
			return
		}
	}
}

// Stop cancels every outgoing transfer (without notifying the peer —
// the session is tearing down) and prevents new sends. Mirrors the
// spec's "closing a session cancels all its outgoing multi-blocks".
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	e.outgoing = nil
	e.mu.Unlock()
	e.wakeUp()
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func randNonzeroID(live map[uint64]struct{}) uint64 {
	for {
		var b [8]byte
		_, _ = rand.Read(b[:])
		id := binary.LittleEndian.Uint64(b[:])
		if id == 0 {
			continue
		}
		if _, taken := live[id]; taken {
			continue
		}
		return id
	}
}

// StartSend queues payload for fragmented transmission and sends
// MULTI_INIT to the peer. Returns the freshly allocated multiblock id.
//
// answerExpected marks that the caller (send_request) will itself
// register a blocker keyed on the returned id and block on it; a FAIL
// init-reply then cancels that waiter. blockerID, when nonzero, is
// forwarded verbatim in this transfer's MULTI_FINISH so the peer can
// release a waiter of its own (send_response relaying the id from the
// original request's standalone callback).
func (e *Engine) StartSend(payload []byte, answerExpected bool, blockerID uint64) (uint64, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, errClosed
	}
	id := randNonzeroID(e.ids)
	e.ids[id] = struct{}{}
	msg := &outMsg{id: id, payload: payload, answerExpected: answerExpected, blockerID: blockerID}
	e.outgoing = append(e.outgoing, msg)
	e.mu.Unlock()

	body := frame.MultiInit{MultiblockID: id, TotalSize: uint64(len(payload)), AnswerExpected: answerExpected}.Encode()
	h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiInit, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
	if err := e.host.SendFrame(h, body); err != nil {
		e.removeOutgoing(id)
		return 0, err
	}
	return id, nil
}

// AbortMessages cancels an outgoing transfer: deleted outright if its
// first part has not yet gone out, or flagged cancelling (local) so
// the sender task stops after the current part and tells the peer.
func (e *Engine) AbortMessages(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.outgoing {
		if m.id != id {
			continue
		}
		if !m.inProgress {
			e.outgoing = append(e.outgoing[:i], e.outgoing[i+1:]...)
			delete(e.ids, id)
			return
		}
		m.cancelling = cancelLocal
		return
	}
}

func (e *Engine) removeOutgoing(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.outgoing {
		if m.id == id {
			e.outgoing = append(e.outgoing[:i], e.outgoing[i+1:]...)
			break
		}
	}
	delete(e.ids, id)
}

func (e *Engine) nextReady() *outMsg {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.outgoing) == 0 {
		return nil
	}
	head := e.outgoing[0]
	if !head.ready {
		return nil
	}
	return head
}

// sendOne fragments and transmits msg end to end. Returns false if the
// engine was closed mid-send and the sender task should exit.
func (e *Engine) sendOne(msg *outMsg) bool {
	e.mu.Lock()
	msg.inProgress = true
	e.mu.Unlock()

	total := len(msg.payload)
	parts := (total + frame.MultiBlockPartSize - 1) / frame.MultiBlockPartSize
	if parts == 0 {
		parts = 1
	}

	for part := 0; part < parts; part++ {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return false
		}
		cancel := msg.cancelling
		e.mu.Unlock()
		if cancel != cancelNone {
			e.finishCancel(msg, cancel)
			return true
		}

		start := part * frame.MultiBlockPartSize
		end := start + frame.MultiBlockPartSize
		if end > total {
			end = total
		}
		body := frame.MultiStatic{
			MultiblockID:    msg.id,
			TotalPartNumber: uint32(parts),
			PartID:          uint32(part),
			Payload:         msg.payload[start:end],
		}.Encode()
		h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiStatic, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
		if err := e.host.SendFrame(h, body); err != nil {
			e.host.NotifyError(protoerr.MultiblockFailed, "multiblock: failed to send part: "+err.Error())
			e.removeOutgoing(msg.id)
			return true
		}
	}

	e.mu.Lock()
	cancel := msg.cancelling
	e.mu.Unlock()
	if cancel != cancelNone {
		e.finishCancel(msg, cancel)
		return true
	}

	h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiFinish, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
	if msg.blockerID != 0 {
		h.Flags |= frame.FlagBlockerCorrelated
	}
	body := frame.MultiFinish{MultiblockID: msg.id, BlockerID: msg.blockerID}.Encode()
	if err := e.host.SendFrame(h, body); err != nil {
		e.host.NotifyError(protoerr.MultiblockFailed, "multiblock: failed to send finish: "+err.Error())
	}
	e.removeOutgoing(msg.id)
	return true
}

func (e *Engine) finishCancel(msg *outMsg, source cancelSource) {
	defer e.removeOutgoing(msg.id)
	switch source {
	case cancelLocal:
		h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiAbortInit, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
		body := frame.MultiAbortInit{MultiblockID: msg.id}.Encode()
		_ = e.host.SendFrame(h, body)
	case cancelPeer:
		h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiAbortReply, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
		body := frame.MultiAbortReply{MultiblockID: msg.id}.Encode()
		_ = e.host.SendFrame(h, body)
	}
}

// HandleInitReply processes a received MULTI_INIT_REPLY.
func (e *Engine) HandleInitReply(r frame.MultiInitReply) {
	e.mu.Lock()
	var msg *outMsg
	for _, m := range e.outgoing {
		if m.id == r.MultiblockID {
			msg = m
			break
		}
	}
	if msg == nil {
		e.mu.Unlock()
		return
	}
	if r.Status == frame.StatusOK {
		msg.ready = true
		e.mu.Unlock()
		e.wakeUp()
		return
	}
	e.mu.Unlock()
	e.removeOutgoing(r.MultiblockID)
	e.host.NotifyError(protoerr.MultiblockFailed, "multiblock: peer rejected init")
	if msg.answerExpected {
		e.blockers.Cancel(msg.id)
	}
}

// MaxIncomingTransferSize bounds a single reassembly buffer; a peer
// announcing a larger MULTI_INIT gets FAIL instead of an allocation
// attempt that could exhaust memory.
const MaxIncomingTransferSize = 256 << 20 // 256 MiB

// HandleInit processes a received MULTI_INIT: allocates a reassembly
// buffer and replies OK, or FAIL if the engine is closed or the
// announced size exceeds MaxIncomingTransferSize.
func (e *Engine) HandleInit(init frame.MultiInit) {
	status := frame.StatusOK
	e.mu.Lock()
	switch {
	case e.closed:
		status = frame.StatusFail
	case init.TotalSize > MaxIncomingTransferSize:
		status = frame.StatusFail
	default:
		e.incoming[init.MultiblockID] = &inMsg{id: init.MultiblockID, total: init.TotalSize, buf: make([]byte, 0, init.TotalSize)}
		e.ids[init.MultiblockID] = struct{}{}
	}
	e.mu.Unlock()

	if status == frame.StatusFail {
		e.host.NotifyError(protoerr.MultiblockFailed, "multiblock: rejected init for id")
	}
	h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiInitReply, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
	body := frame.MultiInitReply{MultiblockID: init.MultiblockID, Status: status}.Encode()
	_ = e.host.SendFrame(h, body)
}

// HandleStatic appends one received part to its reassembly buffer.
func (e *Engine) HandleStatic(s frame.MultiStatic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.incoming[s.MultiblockID]
	if !ok {
		return
	}
	in.buf = append(in.buf, s.Payload...)
}

// HandleFinish completes a reassembly: releases the correlated
// blocker if the header flagged it, otherwise delivers the standalone
// payload to the user callback.
func (e *Engine) HandleFinish(header frame.Header, f frame.MultiFinish) {
	e.mu.Lock()
	in, ok := e.incoming[f.MultiblockID]
	if ok {
		delete(e.incoming, f.MultiblockID)
		delete(e.ids, f.MultiblockID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if header.BlockerCorrelated() {
		e.blockers.Release(f.BlockerID, in.buf)
		return
	}
	e.host.DeliverStandalone(f.MultiblockID, in.buf)
}

// HandleAbortInit processes a received MULTI_ABORT_INIT.
func (e *Engine) HandleAbortInit(a frame.MultiAbortInit) {
	e.mu.Lock()
	var found *outMsg
	for i, m := range e.outgoing {
		if m.id == a.MultiblockID {
			found = m
			if !m.inProgress {
				e.outgoing = append(e.outgoing[:i], e.outgoing[i+1:]...)
				delete(e.ids, a.MultiblockID)
			}
			break
		}
	}
	if found == nil {
		if _, ok := e.incoming[a.MultiblockID]; ok {
			delete(e.incoming, a.MultiblockID)
			delete(e.ids, a.MultiblockID)
		}
	}
	e.mu.Unlock()

	if found != nil && found.inProgress {
		e.mu.Lock()
		found.cancelling = cancelPeer
		e.mu.Unlock()
		return // sender task emits MULTI_ABORT_REPLY once it notices
	}

	h := frame.Header{Type: frame.TypeMultiBlock, SubType: frame.SubMultiAbortReply, MessageID: e.host.NextMessageID(), SessionID: e.host.SessionID()}
	body := frame.MultiAbortReply{MultiblockID: a.MultiblockID}.Encode()
	_ = e.host.SendFrame(h, body)
}

// HandleAbortReply processes a received MULTI_ABORT_REPLY: drops the
// corresponding incoming entry, if any.
func (e *Engine) HandleAbortReply(a frame.MultiAbortReply) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.incoming[a.MultiblockID]; ok {
		delete(e.incoming, a.MultiblockID)
		delete(e.ids, a.MultiblockID)
	}
}

// OutgoingLen and IncomingLen expose queue depth for tests/metrics.
func (e *Engine) OutgoingLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outgoing)
}

func (e *Engine) IncomingLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}

