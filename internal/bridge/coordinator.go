package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"nodebridge/internal/agent"
	"nodebridge/internal/gateway"
	"nodebridge/internal/metrics"
	"nodebridge/internal/pairing"
	"nodebridge/internal/protocol"
)

const maxAgentMessageLen = 20000

// NodeConn is a registered node connection as the coordinator sees it.
// SendServerEvent must be safe to call concurrently with the
// connection's own read loop.
type NodeConn interface {
	SendServerEvent(event string, payload json.RawMessage) error
	RemoteAddr() string
	Close() error
}

type AuthStatus int

const (
	AuthOK AuthStatus = iota
	AuthNotPaired
	AuthUnauthorized
	AuthFailed
)

type AuthDecision struct {
	Status  AuthStatus
	Code    string
	Message string
}

type PairStatus int

const (
	PairApproved PairStatus = iota
	PairRejected
	PairFailed
)

type PairDecision struct {
	Status  PairStatus
	Token   string
	Code    string
	Message string
}

type Config struct {
	Store    *pairing.Store // nil when loading failed at startup
	Approver pairing.Approver
	Gateway  gateway.Client
	Agent    agent.Client
	Log      *slog.Logger

	PresenceInterval time.Duration // default 3m
	RequestTimeout   time.Duration // default 30s
}

// Coordinator is the single source of truth for the connection
// registry, chat subscriptions and the shared gateway push relay. All
// state lives behind one mutex; collaborator calls that can stall
// (approval, gateway RPC, agent) run outside it, and state is
// re-checked after they return.
type Coordinator struct {
	store    *pairing.Store
	approver pairing.Approver
	gateway  gateway.Client
	agent    agent.Client
	log      *slog.Logger

	presenceInterval time.Duration
	requestTimeout   time.Duration

	now      func() time.Time
	newToken func() string

	mu          sync.Mutex
	conns       map[string]NodeConn
	subs        map[string]map[string]struct{}
	presence    map[string]context.CancelFunc
	relayCancel context.CancelFunc
	relayDone   chan struct{}
}

func New(cfg Config) *Coordinator {
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = 3 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Coordinator{
		store:            cfg.Store,
		approver:         cfg.Approver,
		gateway:          cfg.Gateway,
		agent:            cfg.Agent,
		log:              cfg.Log,
		presenceInterval: cfg.PresenceInterval,
		requestTimeout:   cfg.RequestTimeout,
		now:              time.Now,
		newToken:         func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		conns:            make(map[string]NodeConn),
		subs:             make(map[string]map[string]struct{}),
		presence:         make(map[string]context.CancelFunc),
	}
}

// Authorize checks a Hello against the paired-node store.
func (co *Coordinator) Authorize(hello protocol.Hello) AuthDecision {
	nodeID := strings.TrimSpace(hello.NodeID)
	if nodeID == "" {
		return AuthDecision{Status: AuthFailed, Code: protocol.CodeInvalidRequest, Message: "nodeId required"}
	}
	if co.store == nil {
		return AuthDecision{Status: AuthFailed, Code: protocol.CodeUnavailable, Message: "store unavailable"}
	}
	rec, ok := co.store.Find(nodeID)
	if !ok {
		return AuthDecision{Status: AuthNotPaired}
	}
	if hello.Token == "" || hello.Token != rec.Token {
		return AuthDecision{Status: AuthUnauthorized}
	}
	if err := co.store.TouchSeen(nodeID); err != nil {
		co.log.Warn("lastSeen update failed", "node_id", nodeID, "error", err)
	}
	return AuthDecision{Status: AuthOK}
}

// Pair runs one pairing attempt through the approval gate and, on
// approval, mints and persists a fresh token. The gate may take as long
// as a human needs; nothing here holds the coordinator mutex.
func (co *Coordinator) Pair(ctx context.Context, req pairing.Request) PairDecision {
	nodeID := strings.TrimSpace(req.NodeID)
	if nodeID == "" {
		metrics.PairingOutcomes.WithLabelValues("error").Inc()
		return PairDecision{Status: PairFailed, Code: protocol.CodeInvalidRequest, Message: "nodeId required"}
	}
	if co.store == nil {
		metrics.PairingOutcomes.WithLabelValues("error").Inc()
		return PairDecision{Status: PairFailed, Code: protocol.CodeUnavailable, Message: "store unavailable"}
	}
	req.NodeID = nodeID
	_, isRepair := co.store.Find(nodeID)

	approved, err := co.approver.Approve(ctx, req, isRepair)
	if err != nil {
		co.log.Warn("pairing approval failed", "node_id", nodeID, "error", err)
	}
	if err != nil || !approved {
		metrics.PairingOutcomes.WithLabelValues("rejected").Inc()
		return PairDecision{Status: PairRejected}
	}

	token := co.newToken()
	nowMs := co.now().UnixMilli()
	rec := pairing.Record{
		NodeID:       nodeID,
		DisplayName:  req.DisplayName,
		Platform:     req.Platform,
		Version:      req.Version,
		Token:        token,
		CreatedAtMs:  nowMs,
		LastSeenAtMs: nowMs,
	}
	if err := co.store.Upsert(rec); err != nil {
		co.log.Error("pairing persist failed", "node_id", nodeID, "error", err)
		metrics.PairingOutcomes.WithLabelValues("error").Inc()
		return PairDecision{Status: PairFailed, Code: protocol.CodeUnavailable, Message: "failed to persist pairing"}
	}
	metrics.PairingOutcomes.WithLabelValues("ok").Inc()
	co.log.Info("node paired", "node_id", nodeID, "repair", isRepair)
	return PairDecision{Status: PairApproved, Token: token}
}

// Register installs an authenticated connection. A newer connection for
// the same node replaces the older one, which is closed.
func (co *Coordinator) Register(nodeID string, conn NodeConn) {
	co.mu.Lock()
	old := co.conns[nodeID]
	co.conns[nodeID] = conn
	co.startPresenceLocked(nodeID)
	co.ensureRelayLocked()
	total := len(co.conns)
	co.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	metrics.ConnectedNodes.Set(float64(total))
	co.log.Info("node connected", "node_id", nodeID, "remote", conn.RemoteAddr())
	co.beacon(nodeID, "connect", conn.RemoteAddr())
}

// Unregister tears down one connection's state. A stale call from a
// connection that has already been replaced is a no-op.
func (co *Coordinator) Unregister(nodeID string, conn NodeConn) {
	co.mu.Lock()
	cur, ok := co.conns[nodeID]
	if !ok || cur != conn {
		co.mu.Unlock()
		return
	}
	remote := cur.RemoteAddr()
	delete(co.conns, nodeID)
	delete(co.subs, nodeID)
	co.stopPresenceLocked(nodeID)
	if len(co.conns) == 0 {
		co.stopRelayLocked()
	}
	total := len(co.conns)
	co.mu.Unlock()

	metrics.ConnectedNodes.Set(float64(total))
	co.log.Info("node disconnected", "node_id", nodeID)
	co.beacon(nodeID, "disconnect", remote)
}

// HandleEvent processes one fire-and-forget event from a node.
func (co *Coordinator) HandleEvent(ctx context.Context, nodeID string, ev protocol.Event) {
	switch protocol.EventKindOf(ev.Name) {
	case protocol.EventChatSubscribe:
		key, ok := decodeSessionKey(ev.Payload)
		if !ok || key == "" {
			return
		}
		co.mu.Lock()
		set := co.subs[nodeID]
		if set == nil {
			set = make(map[string]struct{})
			co.subs[nodeID] = set
		}
		set[key] = struct{}{}
		co.mu.Unlock()

	case protocol.EventChatUnsubscribe:
		key, ok := decodeSessionKey(ev.Payload)
		if !ok || key == "" {
			return
		}
		co.mu.Lock()
		set := co.subs[nodeID]
		delete(set, key)
		if len(set) == 0 {
			delete(co.subs, nodeID)
		}
		co.mu.Unlock()

	case protocol.EventVoiceTranscript:
		var p struct {
			Text       string `json:"text"`
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		text := strings.TrimSpace(p.Text)
		if text == "" {
			return
		}
		msg := agent.Message{
			Text:       text,
			Thinking:   "low",
			SessionKey: sessionKeyOrNodeDefault(p.SessionKey, nodeID),
			Deliver:    false,
			Channel:    agent.ChannelLast,
		}
		if err := co.agent.Send(ctx, msg); err != nil {
			co.log.Warn("voice transcript forward failed", "node_id", nodeID, "error", err)
		}

	case protocol.EventAgentRequest:
		var p struct {
			Message    string `json:"message"`
			SessionKey string `json:"sessionKey"`
			Thinking   string `json:"thinking"`
			To         string `json:"to"`
			Channel    string `json:"channel"`
			Deliver    bool   `json:"deliver"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		message := strings.TrimSpace(p.Message)
		if message == "" || utf8.RuneCountInString(message) > maxAgentMessageLen {
			return
		}
		channel := strings.TrimSpace(p.Channel)
		if channel == "" {
			channel = agent.ChannelLast
		}
		msg := agent.Message{
			Text:       message,
			Thinking:   strings.TrimSpace(p.Thinking),
			SessionKey: sessionKeyOrNodeDefault(p.SessionKey, nodeID),
			Deliver:    p.Deliver,
			To:         strings.TrimSpace(p.To),
			Channel:    channel,
		}
		if err := co.agent.Send(ctx, msg); err != nil {
			co.log.Warn("agent request forward failed", "node_id", nodeID, "error", err)
		}

	default:
		co.log.Debug("ignoring unknown event", "node_id", nodeID, "event", ev.Name)
	}
}

// HandleRequest forwards one allowlisted RPC to the gateway and maps
// the outcome onto the node-facing response.
func (co *Coordinator) HandleRequest(ctx context.Context, nodeID string, req protocol.Request) protocol.Response {
	if protocol.MethodKindOf(req.Method) == protocol.MethodUnknown {
		metrics.RPCForwards.WithLabelValues(req.Method, "forbidden").Inc()
		return errorResponse(req.ID, protocol.CodeForbidden, "Method not allowed")
	}

	params := json.RawMessage(strings.TrimSpace(string(req.Params)))
	if len(params) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(params, &obj); err != nil {
			metrics.RPCForwards.WithLabelValues(req.Method, "invalid").Inc()
			return errorResponse(req.ID, protocol.CodeInvalidRequest, err.Error())
		}
	} else {
		params = nil
	}

	payload, err := co.gateway.Request(ctx, req.Method, params, co.requestTimeout)
	if err != nil {
		metrics.RPCForwards.WithLabelValues(req.Method, "unavailable").Inc()
		co.log.Warn("gateway request failed", "node_id", nodeID, "method", req.Method, "error", err)
		return errorResponse(req.ID, protocol.CodeUnavailable, err.Error())
	}
	metrics.RPCForwards.WithLabelValues(req.Method, "ok").Inc()
	return protocol.Response{ID: req.ID, OK: true, Payload: payload}
}

// ConnectedNodeIDs lists currently registered nodes, sorted.
func (co *Coordinator) ConnectedNodeIDs() []string {
	co.mu.Lock()
	defer co.mu.Unlock()
	ids := make([]string, 0, len(co.conns))
	for id := range co.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (co *Coordinator) IsConnected(nodeID string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	_, ok := co.conns[nodeID]
	return ok
}

// DisconnectNode closes a node's live connection, if any. Unregistration
// follows through the connection's own teardown.
func (co *Coordinator) DisconnectNode(nodeID string) bool {
	co.mu.Lock()
	conn := co.conns[nodeID]
	co.mu.Unlock()
	if conn == nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Close stops the relay and all presence timers. Live connections are
// left to their owners.
func (co *Coordinator) Close() {
	co.mu.Lock()
	co.stopRelayLocked()
	for nodeID, cancel := range co.presence {
		cancel()
		delete(co.presence, nodeID)
	}
	co.mu.Unlock()
}

func errorResponse(id, code, message string) protocol.Response {
	return protocol.Response{ID: id, OK: false, Error: &protocol.RPCError{Code: code, Message: message}}
}

func decodeSessionKey(payload json.RawMessage) (string, bool) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	return strings.TrimSpace(p.SessionKey), true
}

func sessionKeyOrNodeDefault(key, nodeID string) string {
	if trimmed := strings.TrimSpace(key); trimmed != "" {
		return trimmed
	}
	return "node-" + nodeID
}
