package multiblock

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"sessionnet/blocker"
	"sessionnet/frame"
	"sessionnet/protoerr"
)

// fakeHost records every frame it is asked to send and lets the test
// drive HandleInitReply/HandleStatic/HandleFinish as if they came from
// a peer, without any real transport.
type fakeHost struct {
	mu       sync.Mutex
	sent     []sentFrame
	nextID   uint32
	delivered []delivered
	errs      []string
}

type sentFrame struct {
	header frame.Header
	body   []byte
}

type delivered struct {
	id      uint64
	payload []byte
}

func (h *fakeHost) SessionID() uint32 { return 1 }
func (h *fakeHost) NextMessageID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}
func (h *fakeHost) SendFrame(hdr frame.Header, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	h.sent = append(h.sent, sentFrame{header: hdr, body: cp})
	return nil
}
func (h *fakeHost) DeliverStandalone(id uint64, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, delivered{id: id, payload: payload})
}
func (h *fakeHost) NotifyError(kind protoerr.Kind, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, kind.String()+": "+msg)
}

func (h *fakeHost) framesOfSubType(sub byte) []sentFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sentFrame
	for _, f := range h.sent {
		if f.header.SubType == sub {
			out = append(out, f)
		}
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestStartSendFragmentsIntoParts(t *testing.T) {
	host := &fakeHost{}
	blockers := blocker.New()
	e := NewEngine(host, blockers, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	payload := bytes.Repeat([]byte{0x42}, 2313) // matches the spec's multi-block scenario size
	id, err := e.StartSend(payload, false, 0)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}

	initFrames := host.framesOfSubType(frame.SubMultiInit)
	if len(initFrames) != 1 {
		t.Fatalf("expected 1 MULTI_INIT, got %d", len(initFrames))
	}

	e.HandleInitReply(frame.MultiInitReply{MultiblockID: id, Status: frame.StatusOK})

	waitUntil(t, func() bool { return len(host.framesOfSubType(frame.SubMultiFinish)) == 1 })

	parts := host.framesOfSubType(frame.SubMultiStatic)
	if len(parts) != 3 {
		t.Fatalf("expected 3 MULTI_STATIC parts for a 2313-byte payload, got %d", len(parts))
	}
	var reassembled []byte
	for i, p := range parts {
		ms, err := frame.DecodeMultiStatic(p.body)
		if err != nil {
			t.Fatalf("decode part %d: %v", i, err)
		}
		if int(ms.PartID) != i {
			t.Fatalf("part %d out of order: got part_id %d", i, ms.PartID)
		}
		if ms.TotalPartNumber != 3 {
			t.Fatalf("total_part_number = %d, want 3", ms.TotalPartNumber)
		}
		reassembled = append(reassembled, ms.Payload...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestIncomingReassemblyDeliversOnFinish(t *testing.T) {
	host := &fakeHost{}
	e := NewEngine(host, blocker.New(), nil)

	payload := bytes.Repeat([]byte{0x7, 0x8}, 600)
	e.HandleInit(frame.MultiInit{MultiblockID: 99, TotalSize: uint64(len(payload))})
	replies := host.framesOfSubType(frame.SubMultiInitReply)
	if len(replies) != 1 {
		t.Fatalf("expected init reply sent")
	}
	ir, _ := frame.DecodeMultiInitReply(replies[0].body)
	if ir.Status != frame.StatusOK {
		t.Fatalf("expected OK status")
	}

	const partSize = frame.MultiBlockPartSize
	parts := (len(payload) + partSize - 1) / partSize
	for i := 0; i < parts; i++ {
		start := i * partSize
		end := start + partSize
		if end > len(payload) {
			end = len(payload)
		}
		e.HandleStatic(frame.MultiStatic{MultiblockID: 99, TotalPartNumber: uint32(parts), PartID: uint32(i), Payload: payload[start:end]})
	}

	e.HandleFinish(frame.Header{}, frame.MultiFinish{MultiblockID: 99})

	if len(host.delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(host.delivered))
	}
	if !bytes.Equal(host.delivered[0].payload, payload) {
		t.Fatalf("delivered payload mismatch")
	}
	if e.IncomingLen() != 0 {
		t.Fatalf("incoming entry should be removed after finish")
	}
}

func TestFinishWithBlockerCorrelationReleasesBlocker(t *testing.T) {
	host := &fakeHost{}
	blockers := blocker.New()
	e := NewEngine(host, blockers, nil)

	ch := blockers.Block(7, time.Second, nil)
	e.HandleInit(frame.MultiInit{MultiblockID: 7, TotalSize: 4})
	e.HandleStatic(frame.MultiStatic{MultiblockID: 7, TotalPartNumber: 1, PartID: 0, Payload: []byte("resp")})
	e.HandleFinish(frame.Header{Flags: frame.FlagBlockerCorrelated}, frame.MultiFinish{MultiblockID: 7, BlockerID: 7})

	res := <-ch
	if res.TimedOut || string(res.Payload) != "resp" {
		t.Fatalf("unexpected blocker result: %+v", res)
	}
	if len(host.delivered) != 0 {
		t.Fatalf("blocker-correlated finish must not also invoke the standalone callback")
	}
}

func TestForwardedBlockerIDCarriedOnFinish(t *testing.T) {
	host := &fakeHost{}
	e := NewEngine(host, blocker.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// send_response relaying someone else's blocker id through a large reply.
	const originalRequesterBlockerID = 0xABCD
	id, err := e.StartSend([]byte("a reply bigger than nothing"), false, originalRequesterBlockerID)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	e.HandleInitReply(frame.MultiInitReply{MultiblockID: id, Status: frame.StatusOK})

	waitUntil(t, func() bool { return len(host.framesOfSubType(frame.SubMultiFinish)) == 1 })
	finishes := host.framesOfSubType(frame.SubMultiFinish)
	f, err := frame.DecodeMultiFinish(finishes[0].body)
	if err != nil {
		t.Fatalf("decode finish: %v", err)
	}
	if f.BlockerID != originalRequesterBlockerID {
		t.Fatalf("BlockerID = %d, want %d", f.BlockerID, originalRequesterBlockerID)
	}
	if !finishes[0].header.BlockerCorrelated() {
		t.Fatalf("expected BlockerCorrelated flag set on finish header")
	}
}

func TestAbortBeforeFirstPartIsLocalOnly(t *testing.T) {
	host := &fakeHost{}
	e := NewEngine(host, blocker.New(), nil)

	id, err := e.StartSend(bytes.Repeat([]byte{1}, 10), false, 0)
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	// Not yet acknowledged (ready=false), so the sender task hasn't
	// touched it: aborting must be a silent local removal.
	e.AbortMessages(id)
	if e.OutgoingLen() != 0 {
		t.Fatalf("expected outgoing queue to be empty after abort before send")
	}
	if len(host.framesOfSubType(frame.SubMultiAbortInit)) != 0 {
		t.Fatalf("no ABORT_INIT should be sent for a transfer that never started")
	}
}

func TestPeerAbortInitStopsInProgressSendWithAbortReply(t *testing.T) {
	host := &fakeHost{}
	e := NewEngine(host, blocker.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	big := bytes.Repeat([]byte{9}, frame.MultiBlockPartSize*5)
	id, _ := e.StartSend(big, false, 0)
	e.HandleInitReply(frame.MultiInitReply{MultiblockID: id, Status: frame.StatusOK})

	waitUntil(t, func() bool { return len(host.framesOfSubType(frame.SubMultiStatic)) > 0 })
	e.HandleAbortInit(frame.MultiAbortInit{MultiblockID: id})

	waitUntil(t, func() bool { return len(host.framesOfSubType(frame.SubMultiAbortReply)) > 0 })
	if len(host.framesOfSubType(frame.SubMultiFinish)) != 0 {
		t.Fatalf("an aborted transfer must never also send MULTI_FINISH")
	}
}
