package session

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"sessionnet/blocker"
	"sessionnet/frame"
	"sessionnet/protoerr"
	"sessionnet/reply"
)

// pipeTransport hands every frame it's asked to send to a router
// function, so two sessions can talk without a real socket.
type pipeTransport struct {
	clientSide bool
	route      func(raw []byte)
	closed     bool
	mu         sync.Mutex
}

func (t *pipeTransport) Send(raw []byte) error {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	t.route(cp)
	return nil
}
func (t *pipeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
func (t *pipeTransport) IsClient() bool { return t.clientSide }

// miniDispatch decodes exactly the frame shapes session_test needs and
// calls the matching Session method, standing in for the dispatch
// package, which imports session and so cannot be used from here.
func miniDispatch(t *testing.T, to *Session, nonce uint16, raw []byte) {
	t.Helper()
	h, err := frame.PeekHeader(raw)
	if err != nil {
		t.Fatalf("peek header: %v", err)
	}
	body := frame.Body(raw)

	if h.IsReply() {
		to.replies.Clear(reply.Key(h.MessageID, h.SessionID))
	}

	switch h.Type {
	case frame.TypeSession:
		switch h.SubType {
		case frame.SubInitStart:
			start, err := frame.DecodeInitStart(body)
			if err != nil {
				t.Fatalf("decode init_start: %v", err)
			}
			initReply := to.AcceptSession(start, nonce)
			replyBody := initReply.Encode()
			rh := frame.Header{Type: frame.TypeSession, SubType: frame.SubInitReply, MessageID: to.NextMessageID()}
			if err := to.SendFrame(rh, replyBody); err != nil {
				t.Fatalf("send init_reply: %v", err)
			}
		case frame.SubInitReply:
			ir, err := frame.DecodeInitReply(body)
			if err != nil {
				t.Fatalf("decode init_reply: %v", err)
			}
			to.CompleteHandshake(ir)
		case frame.SubCloseStart:
			cs, err := frame.DecodeCloseStart(body)
			if err != nil {
				t.Fatalf("decode close_start: %v", err)
			}
			to.HandleCloseStart(cs)
		case frame.SubCloseReply:
			to.FinishClose()
		}
	case frame.TypeStream:
		if h.SubType == frame.SubStreamReply {
			return
		}
		sd, err := frame.DecodeStream(body)
		if err != nil {
			t.Fatalf("decode stream: %v", err)
		}
		to.HandleStream(h, sd.Payload)
	case frame.TypeSingleBlock:
		sb, err := frame.DecodeSingleBlock(body)
		if err != nil {
			t.Fatalf("decode single block: %v", err)
		}
		to.HandleSingleBlock(h, sb)
	case frame.TypeHeartbeat:
		to.HandleHeartbeat(h)
	}
}

func newPeers(t *testing.T) (client, server *Session) {
	t.Helper()
	replies := reply.New(time.Hour) // disable real timeouts in these tests
	blockers := blocker.New()

	var c, s *Session
	cTransport := &pipeTransport{clientSide: true, route: func(raw []byte) { miniDispatch(t, s, 0x0002, raw) }}
	sTransport := &pipeTransport{clientSide: false, route: func(raw []byte) { miniDispatch(t, c, 0, raw) }}

	c = New(cTransport, true, replies, blockers, Callbacks{}, nil)
	s = New(sTransport, false, replies, blockers, Callbacks{}, nil)
	return c, s
}

func runBoth(ctx context.Context, c, s *Session) {
	go c.Run(ctx)
	go s.Run(ctx)
}

func TestHandshakeProducesExpectedCompositeID(t *testing.T) {
	var openedServerID frame.Identifier
	var openedClientSeen bool
	replies := reply.New(time.Hour)
	blockers := blocker.New()

	var c, s *Session
	cTransport := &pipeTransport{clientSide: true, route: func(raw []byte) { miniDispatch(t, s, 0x0002, raw) }}
	sTransport := &pipeTransport{clientSide: false, route: func(raw []byte) { miniDispatch(t, c, 0, raw) }}

	c = New(cTransport, true, replies, blockers, Callbacks{Opened: func(sess *Session, id frame.Identifier) { openedClientSeen = true }}, nil)
	s = New(sTransport, false, replies, blockers, Callbacks{Opened: func(sess *Session, id frame.Identifier) { openedServerID = id }}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)

	// Force the client nonce to the scenario's C=0x0001 by bypassing
	// the random generator isn't possible without a seam, so assert the
	// protocol invariant instead: composed id = clientNonce | serverNonce<<16.
	if err := c.ConnectSession(frame.IdentifierFromString("test"), time.Second); err != nil {
		t.Fatalf("ConnectSession: %v", err)
	}
	if !openedClientSeen {
		t.Fatalf("client session-opened callback did not fire")
	}
	if openedServerID.String() != "test" {
		t.Fatalf("server saw identifier %q, want %q", openedServerID.String(), "test")
	}
	if !c.IsActive() || !s.IsActive() {
		t.Fatalf("both sides should be ACTIVE after handshake")
	}
	gotHigh := c.ID() >> 16
	if gotHigh != 0x0002 {
		t.Fatalf("composite id high half = %#x, want 0x0002", gotHigh)
	}
	if c.ID() != s.ID() {
		t.Fatalf("client and server disagree on composite id: %#x vs %#x", c.ID(), s.ID())
	}
}

func TestConnectSessionTimesOutWithoutReply(t *testing.T) {
	replies := reply.New(time.Hour)
	blockers := blocker.New()
	blackhole := &pipeTransport{clientSide: true, route: func(raw []byte) {}}
	c := New(blackhole, true, replies, blockers, Callbacks{}, nil)

	err := c.ConnectSession(frame.IdentifierFromString("x"), 30*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStreamDeliversExactBytesAndReplyClearsRegistry(t *testing.T) {
	c, s := newPeers(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)
	if err := c.ConnectSession(frame.IdentifierFromString("x"), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var got []byte
	s.SetStreamCallback(func(sess *Session, payload []byte) {
		got = append([]byte(nil), payload...)
	})

	payload := []byte("hello!!! (static)")
	if err := c.SendStream(payload, true); err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stream callback got %q, want %q", got, payload)
	}
	if replies := c.replies.Len(); replies != 0 {
		t.Fatalf("reply registry should be cleared by STREAM_REPLY, has %d entries", replies)
	}
}

func TestSendStandaloneSmallPayloadDeliversOnce(t *testing.T) {
	c, s := newPeers(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)
	if err := c.ConnectSession(frame.IdentifierFromString("x"), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var gotID uint64
	var gotPayload []byte
	s.SetStandaloneCallback(func(sess *Session, id uint64, payload []byte) {
		gotID = id
		gotPayload = payload
	})

	payload := bytes.Repeat([]byte{0x9}, 577)
	id, err := c.SendStandalone(payload)
	if err != nil {
		t.Fatalf("SendStandalone: %v", err)
	}
	if gotID != id {
		t.Fatalf("delivered id %d != returned id %d", gotID, id)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("delivered payload mismatch, len=%d want=%d", len(gotPayload), len(payload))
	}
}

func TestSendRequestReceivesMatchingResponse(t *testing.T) {
	c, s := newPeers(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)
	if err := c.ConnectSession(frame.IdentifierFromString("x"), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s.SetStandaloneCallback(func(sess *Session, id uint64, payload []byte) {
		if _, err := sess.SendResponse(append([]byte("echo:"), payload...), id); err != nil {
			t.Errorf("SendResponse: %v", err)
		}
	})

	resp, err := c.SendRequest([]byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Fatalf("response = %q, want %q", resp, "echo:ping")
	}
}

func TestConcurrentRequestsDoNotCrossTalk(t *testing.T) {
	c, s := newPeers(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)
	if err := c.ConnectSession(frame.IdentifierFromString("x"), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s.SetStandaloneCallback(func(sess *Session, id uint64, payload []byte) {
		reply := append([]byte(nil), payload...)
		if _, err := sess.SendResponse(reply, id); err != nil {
			t.Errorf("SendResponse: %v", err)
		}
	})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := []byte{byte(i)}
			got, err := c.SendRequest(want, time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, want) {
				errs <- errTestMismatch(i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

type errTestMismatch int

func (e errTestMismatch) Error() string { return "cross-talk detected on request index" }

func TestCloseHandshakeIsIdempotent(t *testing.T) {
	c, s := newPeers(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)
	if err := c.ConnectSession(frame.IdentifierFromString("x"), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var closedCount int
	var mu sync.Mutex
	c.SetErrorCallback(func(sess *Session, kind protoerr.Kind, msg string) {}) // no-op, just exercising the setter

	c.cbMu.Lock()
	c.cb.Closed = func(sess *Session, id frame.Identifier) {
		mu.Lock()
		closedCount++
		mu.Unlock()
	}
	c.cbMu.Unlock()

	if err := c.Close(true); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the CLOSE_REPLY round-trip land

	if err := c.Close(true); err != ErrAlreadyClosed {
		t.Fatalf("second Close = %v, want ErrAlreadyClosed", err)
	}
	mu.Lock()
	n := closedCount
	mu.Unlock()
	if n != 1 {
		t.Fatalf("session-closed callback fired %d times, want 1", n)
	}
}

func TestDisconnectWakesParkedSendRequestImmediately(t *testing.T) {
	c, s := newPeers(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runBoth(ctx, c, s)
	if err := c.ConnectSession(frame.IdentifierFromString("x"), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// s never answers, so c's SendRequest would otherwise wait out the
	// full timeout below.

	done := make(chan struct{})
	var resp []byte
	var err error
	go func() {
		resp, err = c.SendRequest([]byte("ping"), time.Hour)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let SendRequest park its blocker
	c.Disconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return after Disconnect")
	}
	if err != nil {
		t.Fatalf("SendRequest returned error %v, want nil (cancelled with empty payload)", err)
	}
	if resp != nil {
		t.Fatalf("SendRequest payload = %q, want nil", resp)
	}
}
