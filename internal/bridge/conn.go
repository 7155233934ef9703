package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"nodebridge/internal/pairing"
	"nodebridge/internal/protocol"
)

type connState int

const (
	stateAwaitingHello connState = iota
	stateAuthenticated
	stateClosed
)

// Conn drives one node connection through the handshake and then
// services its event and request frames. Transitions only move forward:
// AwaitingHello -> Authenticated -> Closed.
type Conn struct {
	framer protocol.Framer
	coord  *Coordinator
	log    *slog.Logger

	mu     sync.Mutex
	state  connState
	nodeID string

	closed         atomic.Bool
	disconnectOnce sync.Once
	writers        sync.WaitGroup
}

func NewConn(framer protocol.Framer, coord *Coordinator, log *slog.Logger) *Conn {
	return &Conn{framer: framer, coord: coord, log: log}
}

// Run is the connection's read loop. It returns when the stream is
// unrecoverable; teardown (including unregistration, exactly once)
// happens on the way out.
func (c *Conn) Run(ctx context.Context) {
	defer c.shutdown()

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) && c.currentState() == stateAuthenticated {
				c.log.Warn("dropping malformed frame", "node_id", c.authedNodeID(), "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection read ended", "remote", c.framer.RemoteAddr(), "error", err)
			}
			return
		}
		if !c.handleFrame(ctx, frame) {
			return
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, frame *protocol.Frame) bool {
	switch c.currentState() {
	case stateAwaitingHello:
		return c.handleHandshakeFrame(ctx, frame)
	case stateAuthenticated:
		c.handleSessionFrame(ctx, frame)
		return true
	default:
		return false
	}
}

func (c *Conn) handleHandshakeFrame(ctx context.Context, frame *protocol.Frame) bool {
	switch {
	case frame.Type == protocol.FrameHello && frame.Hello != nil:
		return c.handleHello(*frame.Hello)
	case frame.Type == protocol.FramePair && frame.Pair != nil:
		return c.handlePair(ctx, *frame.Pair)
	default:
		c.log.Warn("unexpected frame during handshake", "type", frame.Type, "remote", c.framer.RemoteAddr())
		return false
	}
}

func (c *Conn) handleHello(hello protocol.Hello) bool {
	decision := c.coord.Authorize(hello)
	switch decision.Status {
	case AuthOK:
		nodeID := strings.TrimSpace(hello.NodeID)
		c.becomeAuthenticated(nodeID)
		_ = c.framer.WriteFrame(protocol.AuthOKFrame(""))
		c.coord.Register(nodeID, c)
		return true
	case AuthNotPaired:
		// The node is expected to follow up with a pair request on
		// this same connection.
		_ = c.framer.WriteFrame(protocol.AuthErrFrame(protocol.CodeNotPaired, "pairing required"))
		return true
	case AuthUnauthorized:
		_ = c.framer.WriteFrame(protocol.AuthErrFrame(protocol.CodeUnauthorized, "invalid token"))
		return false
	default:
		_ = c.framer.WriteFrame(protocol.AuthErrFrame(decision.Code, decision.Message))
		return false
	}
}

func (c *Conn) handlePair(ctx context.Context, pr protocol.PairRequest) bool {
	req := pairing.Request{
		NodeID:        pr.NodeID,
		DisplayName:   pr.DisplayName,
		Platform:      pr.Platform,
		Version:       pr.Version,
		RemoteAddress: pr.RemoteAddress,
	}
	if req.RemoteAddress == "" {
		req.RemoteAddress = c.framer.RemoteAddr()
	}

	decision := c.coord.Pair(ctx, req)
	switch decision.Status {
	case PairApproved:
		nodeID := strings.TrimSpace(pr.NodeID)
		c.becomeAuthenticated(nodeID)
		_ = c.framer.WriteFrame(protocol.AuthOKFrame(decision.Token))
		c.coord.Register(nodeID, c)
		return true
	case PairRejected:
		_ = c.framer.WriteFrame(protocol.AuthErrFrame(protocol.CodeRejected, "pairing rejected"))
		return false
	default:
		_ = c.framer.WriteFrame(protocol.AuthErrFrame(decision.Code, decision.Message))
		return false
	}
}

func (c *Conn) handleSessionFrame(ctx context.Context, frame *protocol.Frame) {
	nodeID := c.authedNodeID()
	switch {
	case frame.Type == protocol.FrameEvent && frame.Event != nil:
		// Events are processed in receipt order, on the read loop.
		c.coord.HandleEvent(ctx, nodeID, *frame.Event)
	case frame.Type == protocol.FrameRequest && frame.Request != nil:
		// Requests may complete out of order; responses correlate by id.
		req := *frame.Request
		c.writers.Add(1)
		go func() {
			defer c.writers.Done()
			resp := c.coord.HandleRequest(ctx, nodeID, req)
			if err := c.framer.WriteFrame(protocol.ResponseFrame(resp)); err != nil {
				_ = c.framer.Close()
			}
		}()
	default:
		c.log.Warn("ignoring unexpected frame", "node_id", nodeID, "type", frame.Type)
	}
}

// SendServerEvent pushes an asynchronous server-originated event to the
// node. Safe to call concurrently with the read loop; returns an error
// once the connection is torn down.
func (c *Conn) SendServerEvent(event string, payload json.RawMessage) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.framer.WriteFrame(protocol.EventFrame(event, payload))
}

// Close shuts the transport. The read loop notices and finishes
// teardown.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.framer.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.framer.RemoteAddr()
}

func (c *Conn) becomeAuthenticated(nodeID string) {
	c.mu.Lock()
	c.state = stateAuthenticated
	c.nodeID = nodeID
	c.mu.Unlock()
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) authedNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAuthenticated {
		return ""
	}
	return c.nodeID
}

func (c *Conn) shutdown() {
	nodeID := c.authedNodeID()
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.closed.Store(true)
	_ = c.framer.Close()
	c.writers.Wait()
	c.disconnectOnce.Do(func() {
		if nodeID != "" {
			c.coord.Unregister(nodeID, c)
		}
	})
}
