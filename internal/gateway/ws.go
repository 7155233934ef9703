package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	redialMax      = 30 * time.Second
	pushBuffer     = 64
)

// wireMessage is the gateway's websocket protocol. Requests go out as
// type "req"; the gateway answers with "resp" correlated by id and
// interleaves "push" messages at any time.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireResult struct {
	payload json.RawMessage
	err     error
}

// WSClient implements Client over a single websocket to the gateway.
// It redials with backoff after a drop and emits a seqGap push so
// subscribers know they may have missed events.
type WSClient struct {
	url   string
	token string
	log   *slog.Logger

	pushes chan Push
	closed atomic.Bool

	mu      sync.Mutex
	ws      *websocket.Conn
	sendMu  sync.Mutex
	pending map[string]chan wireResult
}

func NewWSClient(url, token string, log *slog.Logger) *WSClient {
	return &WSClient{
		url:     url,
		token:   token,
		log:     log,
		pushes:  make(chan Push, pushBuffer),
		pending: make(map[string]chan wireResult),
	}
}

// Refresh establishes the connection if it is down.
func (c *WSClient) Refresh(ctx context.Context) error {
	return c.connect(ctx)
}

func (c *WSClient) Subscribe() <-chan Push {
	return c.pushes
}

func (c *WSClient) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *WSClient) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan wireResult, 1)
	c.mu.Lock()
	ws := c.ws
	c.pending[id] = ch
	c.mu.Unlock()
	if ws == nil {
		c.dropPending(id)
		return nil, ErrNotConnected
	}

	if err := c.write(ws, wireMessage{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		c.dropPending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *WSClient) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ws != nil || c.closed.Load() {
		c.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	c.ws = ws
	c.mu.Unlock()

	c.log.Info("gateway connected", "url", c.url)
	go c.readLoop(ws)
	return nil
}

func (c *WSClient) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onDisconnect(ws, err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("gateway message undecodable", "error", err)
			continue
		}
		switch msg.Type {
		case "resp":
			c.resolve(msg)
		case "push":
			c.emit(msg)
		}
	}
}

func (c *WSClient) resolve(msg wireMessage) {
	c.mu.Lock()
	ch := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if !msg.OK {
		reason := msg.Error
		if reason == "" {
			reason = "gateway error"
		}
		ch <- wireResult{err: errors.New(reason)}
		return
	}
	ch <- wireResult{payload: msg.Payload}
}

func (c *WSClient) emit(msg wireMessage) {
	var push Push
	switch msg.Kind {
	case "snapshot":
		push = Push{Kind: PushSnapshot, Payload: msg.Payload}
	case "event":
		push = Push{Kind: PushEvent, Event: msg.Event, Payload: msg.Payload}
	case "seqGap":
		push = Push{Kind: PushSeqGap}
	default:
		return
	}
	select {
	case c.pushes <- push:
	default:
		c.log.Warn("gateway push dropped, subscriber backlogged", "kind", msg.Kind)
	}
}

func (c *WSClient) onDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	stale := c.pending
	c.pending = make(map[string]chan wireResult)
	c.mu.Unlock()
	_ = ws.Close()

	for _, ch := range stale {
		ch <- wireResult{err: ErrNotConnected}
	}

	if c.closed.Load() {
		return
	}
	c.log.Warn("gateway disconnected", "error", cause)

	// Subscribers missed whatever happened while we were down.
	select {
	case c.pushes <- Push{Kind: PushSeqGap}:
	default:
	}

	go c.redial()
}

func (c *WSClient) redial() {
	backoff := time.Second
	for !c.closed.Load() {
		if err := c.connect(context.Background()); err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > redialMax {
			backoff = redialMax
		}
	}
}

func (c *WSClient) write(ws *websocket.Conn, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
