package protocol

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestEventKindOf(t *testing.T) {
	cases := map[string]EventKind{
		"chat.subscribe":   EventChatSubscribe,
		"chat.unsubscribe": EventChatUnsubscribe,
		"voice.transcript": EventVoiceTranscript,
		"agent.request":    EventAgentRequest,
		"chat.SUBSCRIBE":   EventUnknown,
		"":                 EventUnknown,
		"future.event":     EventUnknown,
	}
	for name, want := range cases {
		if got := EventKindOf(name); got != want {
			t.Fatalf("EventKindOf(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMethodKindOf(t *testing.T) {
	cases := map[string]MethodKind{
		"chat.history": MethodChatHistory,
		"chat.send":    MethodChatSend,
		"health":       MethodHealth,
		"chat.delete":  MethodUnknown,
		"":             MethodUnknown,
	}
	for method, want := range cases {
		if got := MethodKindOf(method); got != want {
			t.Fatalf("MethodKindOf(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestTCPFramer_RoundTrip(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	serverFramer := NewTCPFramer(srv)
	clientFramer := NewTCPFramer(client)

	done := make(chan *Frame, 1)
	go func() {
		f, err := serverFramer.ReadFrame()
		if err != nil {
			t.Errorf("read failed: %v", err)
			done <- nil
			return
		}
		done <- f
	}()

	if err := clientFramer.WriteFrame(&Frame{Type: FrameHello, Hello: &Hello{NodeID: "n1", Token: "t"}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case f := <-done:
		if f == nil {
			t.Fatal("no frame")
		}
		if f.Type != FrameHello || f.Hello == nil || f.Hello.NodeID != "n1" || f.Hello.Token != "t" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTCPFramer_MalformedLineIsRecoverable(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	framer := NewTCPFramer(srv)

	type result struct {
		frame *Frame
		err   error
	}
	results := make(chan result, 2)
	go func() {
		for i := 0; i < 2; i++ {
			f, err := framer.ReadFrame()
			results <- result{f, err}
		}
	}()

	if _, err := client.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := client.Write([]byte(`{"type":"event","event":{"event":"tick"}}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	first := <-results
	if !errors.Is(first.err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", first.err)
	}

	second := <-results
	if second.err != nil {
		t.Fatalf("expected recovery after malformed line, got %v", second.err)
	}
	if second.frame.Type != FrameEvent || second.frame.Event.Name != "tick" {
		t.Fatalf("unexpected frame: %+v", second.frame)
	}
}

func TestTCPFramer_MissingTypeIsMalformed(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	framer := NewTCPFramer(srv)
	errCh := make(chan error, 1)
	go func() {
		_, err := framer.ReadFrame()
		errCh <- err
	}()

	if _, err := client.Write([]byte("{}\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}
