package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"nodebridge/internal/gateway"
	"nodebridge/internal/pairing"
	"nodebridge/internal/protocol"
)

// testClient drives the node side of a connection in tests.
type testClient struct {
	t      *testing.T
	raw    net.Conn
	framer protocol.Framer
	frames chan *protocol.Frame
}

func dialTestConn(t *testing.T, co *Coordinator) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })

	conn := NewConn(protocol.NewTCPFramer(serverSide), co, slog.Default())
	go conn.Run(context.Background())

	tc := &testClient{
		t:      t,
		raw:    clientSide,
		framer: protocol.NewTCPFramer(clientSide),
		frames: make(chan *protocol.Frame, 16),
	}
	go func() {
		for {
			f, err := tc.framer.ReadFrame()
			if err != nil {
				close(tc.frames)
				return
			}
			tc.frames <- f
		}
	}()
	return tc
}

func (tc *testClient) send(frame *protocol.Frame) {
	tc.t.Helper()
	if err := tc.framer.WriteFrame(frame); err != nil {
		tc.t.Fatalf("write failed: %v", err)
	}
}

func (tc *testClient) sendRaw(line string) {
	tc.t.Helper()
	if _, err := tc.raw.Write([]byte(line + "\n")); err != nil {
		tc.t.Fatalf("raw write failed: %v", err)
	}
}

func (tc *testClient) recv() *protocol.Frame {
	tc.t.Helper()
	select {
	case f, ok := <-tc.frames:
		if !ok {
			tc.t.Fatal("connection closed while waiting for a frame")
		}
		return f
	case <-time.After(2 * time.Second):
		tc.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (tc *testClient) expectClosed() {
	tc.t.Helper()
	select {
	case f, ok := <-tc.frames:
		if ok {
			tc.t.Fatalf("expected close, got frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		tc.t.Fatal("timed out waiting for close")
	}
}

func newConnTestCoordinator(t *testing.T) (*Coordinator, *pairing.Store, *fakeGateway) {
	t.Helper()
	store := pairing.NewStore(filepath.Join(t.TempDir(), "paired-nodes.json"))
	gw := newFakeGateway()
	co := New(Config{
		Store:            store,
		Approver:         pairing.AutoApprover{},
		Gateway:          gw,
		Agent:            &fakeAgent{},
		Log:              slog.Default(),
		PresenceInterval: time.Hour,
	})
	t.Cleanup(co.Close)
	return co, store, gw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// The full first-contact flow: a tokenless hello is told to pair, pairs
// on the same connection, reconnects with the issued token, subscribes,
// and receives session-scoped chat pushes.
func TestConn_PairThenReconnectAndReceivePushes(t *testing.T) {
	co, store, gw := newConnTestCoordinator(t)

	first := dialTestConn(t, co)
	first.send(&protocol.Frame{Type: protocol.FrameHello, Hello: &protocol.Hello{NodeID: "n1"}})

	resp := first.recv()
	if resp.Type != protocol.FrameAuthErr || resp.Auth.Code != protocol.CodeNotPaired {
		t.Fatalf("expected NOT_PAIRED, got %+v", resp)
	}

	// The connection stays open for the pair request.
	first.send(&protocol.Frame{Type: protocol.FramePair, Pair: &protocol.PairRequest{NodeID: "n1", DisplayName: "Phone", Platform: "ios"}})
	resp = first.recv()
	if resp.Type != protocol.FrameAuthOK || resp.Auth.Token == "" {
		t.Fatalf("expected authOk with token, got %+v", resp)
	}
	token := resp.Auth.Token

	rec, ok := store.Find("n1")
	if !ok || rec.Token != token {
		t.Fatalf("expected persisted token %q, got %+v", token, rec)
	}
	waitFor(t, "registration", func() bool { return co.IsConnected("n1") })

	_ = first.framer.Close()
	waitFor(t, "unregistration", func() bool { return !co.IsConnected("n1") })

	second := dialTestConn(t, co)
	second.send(&protocol.Frame{Type: protocol.FrameHello, Hello: &protocol.Hello{NodeID: "n1", Token: token}})
	resp = second.recv()
	if resp.Type != protocol.FrameAuthOK {
		t.Fatalf("expected authOk on reconnect, got %+v", resp)
	}
	waitFor(t, "re-registration", func() bool { return co.IsConnected("n1") })

	second.send(protocol.EventFrame("chat.subscribe", sessionKeyPayload("s1")))
	waitFor(t, "subscription", func() bool {
		co.mu.Lock()
		defer co.mu.Unlock()
		_, ok := co.subs["n1"]["s1"]
		return ok
	})

	gw.pushes <- gateway.Push{Kind: gateway.PushEvent, Event: "chat", Payload: json.RawMessage(`{"sessionKey":"s1","text":"hi"}`)}
	pushed := second.recv()
	if pushed.Type != protocol.FrameEvent || pushed.Event.Name != protocol.ServerEventChat {
		t.Fatalf("expected chat push, got %+v", pushed)
	}

	// A push for another session never reaches this node; the tick that
	// follows proves nothing was queued for s2.
	gw.pushes <- gateway.Push{Kind: gateway.PushEvent, Event: "chat", Payload: json.RawMessage(`{"sessionKey":"s2","text":"other"}`)}
	gw.pushes <- gateway.Push{Kind: gateway.PushEvent, Event: "tick"}
	pushed = second.recv()
	if pushed.Type != protocol.FrameEvent || pushed.Event.Name != protocol.ServerEventTick {
		t.Fatalf("expected tick after filtered chat, got %+v", pushed)
	}
}

func TestConn_WrongTokenCloses(t *testing.T) {
	co, store, _ := newConnTestCoordinator(t)
	mustUpsert(t, store, pairing.Record{NodeID: "n1", Token: "good"})

	tc := dialTestConn(t, co)
	tc.send(&protocol.Frame{Type: protocol.FrameHello, Hello: &protocol.Hello{NodeID: "n1", Token: "bad"}})

	resp := tc.recv()
	if resp.Type != protocol.FrameAuthErr || resp.Auth.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", resp)
	}
	tc.expectClosed()
}

func TestConn_PairRejectedCloses(t *testing.T) {
	co, _, _ := newConnTestCoordinator(t)
	co.approver = pairing.NewAllowlistApprover([]string{"someone-else"})

	tc := dialTestConn(t, co)
	tc.send(&protocol.Frame{Type: protocol.FramePair, Pair: &protocol.PairRequest{NodeID: "n1"}})

	resp := tc.recv()
	if resp.Type != protocol.FrameAuthErr || resp.Auth.Code != protocol.CodeRejected {
		t.Fatalf("expected rejected, got %+v", resp)
	}
	tc.expectClosed()
}

func TestConn_MalformedFrameAfterAuthIsTolerated(t *testing.T) {
	co, store, _ := newConnTestCoordinator(t)
	mustUpsert(t, store, pairing.Record{NodeID: "n1", Token: "tok"})

	tc := dialTestConn(t, co)
	tc.send(&protocol.Frame{Type: protocol.FrameHello, Hello: &protocol.Hello{NodeID: "n1", Token: "tok"}})
	if resp := tc.recv(); resp.Type != protocol.FrameAuthOK {
		t.Fatalf("expected authOk, got %+v", resp)
	}
	waitFor(t, "registration", func() bool { return co.IsConnected("n1") })

	tc.sendRaw("{garbage")

	// The session survives: a request still gets its response.
	tc.send(&protocol.Frame{Type: protocol.FrameRequest, Request: &protocol.Request{ID: "1", Method: "nope"}})
	resp := tc.recv()
	if resp.Type != protocol.FrameResponse || resp.Response.OK || resp.Response.Error.Code != protocol.CodeForbidden {
		t.Fatalf("expected FORBIDDEN response, got %+v", resp)
	}
}

func TestConn_MalformedFrameBeforeAuthCloses(t *testing.T) {
	co, _, _ := newConnTestCoordinator(t)

	tc := dialTestConn(t, co)
	tc.sendRaw("{garbage")
	tc.expectClosed()
}

func TestConn_RequestResponseCorrelation(t *testing.T) {
	co, store, gw := newConnTestCoordinator(t)
	mustUpsert(t, store, pairing.Record{NodeID: "n1", Token: "tok"})
	gw.respond = func(method string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}

	tc := dialTestConn(t, co)
	tc.send(&protocol.Frame{Type: protocol.FrameHello, Hello: &protocol.Hello{NodeID: "n1", Token: "tok"}})
	if resp := tc.recv(); resp.Type != protocol.FrameAuthOK {
		t.Fatalf("expected authOk, got %+v", resp)
	}

	tc.send(&protocol.Frame{Type: protocol.FrameRequest, Request: &protocol.Request{ID: "req-9", Method: "health"}})
	resp := tc.recv()
	if resp.Type != protocol.FrameResponse || !resp.Response.OK || resp.Response.ID != "req-9" {
		t.Fatalf("expected correlated ok response, got %+v", resp)
	}
	if string(resp.Response.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload %s", resp.Response.Payload)
	}
}
