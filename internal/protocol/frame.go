package protocol

import (
	"encoding/json"
	"errors"
)

// Frame is the single wire envelope exchanged with nodes. Exactly one of
// the pointer members is set, selected by Type.
type Frame struct {
	Type     FrameType    `json:"type"`
	Hello    *Hello       `json:"hello,omitempty"`
	Pair     *PairRequest `json:"pair,omitempty"`
	Auth     *AuthResult  `json:"auth,omitempty"`
	Event    *Event       `json:"event,omitempty"`
	Request  *Request     `json:"req,omitempty"`
	Response *Response    `json:"resp,omitempty"`
}

type FrameType string

const (
	FrameHello    FrameType = "hello"
	FramePair     FrameType = "pair"
	FrameAuthOK   FrameType = "authOk"
	FrameAuthErr  FrameType = "authErr"
	FrameEvent    FrameType = "event"
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "resp"
)

type Hello struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"token,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
}

type PairRequest struct {
	NodeID        string `json:"nodeId"`
	DisplayName   string `json:"displayName,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Version       string `json:"version,omitempty"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
}

// AuthResult answers a Hello or a PairRequest. A successful pairing
// carries the freshly minted token; a plain re-auth carries nothing.
type AuthResult struct {
	Token   string `json:"token,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotPaired      = "NOT_PAIRED"
	CodeRejected       = "rejected"
)

// Server-originated event names.
const (
	ServerEventHealth = "health"
	ServerEventTick   = "tick"
	ServerEventChat   = "chat"
	ServerEventSeqGap = "seqGap"
)

// ErrMalformedFrame marks a frame that failed to decode on an otherwise
// healthy stream. Callers drop the frame and keep reading.
var ErrMalformedFrame = errors.New("malformed frame")

// EventKind is the closed set of node-originated events. Unknown names
// decode to EventUnknown, which handlers treat as a no-op.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventChatSubscribe
	EventChatUnsubscribe
	EventVoiceTranscript
	EventAgentRequest
)

func EventKindOf(name string) EventKind {
	switch name {
	case "chat.subscribe":
		return EventChatSubscribe
	case "chat.unsubscribe":
		return EventChatUnsubscribe
	case "voice.transcript":
		return EventVoiceTranscript
	case "agent.request":
		return EventAgentRequest
	default:
		return EventUnknown
	}
}

// MethodKind is the RPC allowlist. Anything outside it is MethodUnknown
// and is answered with FORBIDDEN.
type MethodKind int

const (
	MethodUnknown MethodKind = iota
	MethodChatHistory
	MethodChatSend
	MethodHealth
)

func MethodKindOf(method string) MethodKind {
	switch method {
	case "chat.history":
		return MethodChatHistory
	case "chat.send":
		return MethodChatSend
	case "health":
		return MethodHealth
	default:
		return MethodUnknown
	}
}

func EventFrame(name string, payload json.RawMessage) *Frame {
	return &Frame{Type: FrameEvent, Event: &Event{Name: name, Payload: payload}}
}

func AuthOKFrame(token string) *Frame {
	return &Frame{Type: FrameAuthOK, Auth: &AuthResult{Token: token}}
}

func AuthErrFrame(code, message string) *Frame {
	return &Frame{Type: FrameAuthErr, Auth: &AuthResult{Code: code, Message: message}}
}

func ResponseFrame(resp Response) *Frame {
	r := resp
	return &Frame{Type: FrameResponse, Response: &r}
}
