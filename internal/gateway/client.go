package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// PushKind tags the gateway push union.
type PushKind int

const (
	// PushSnapshot carries the gateway's health snapshot taken at
	// (re)connect time.
	PushSnapshot PushKind = iota
	// PushEvent carries a named gateway event (health, tick, chat, ...).
	PushEvent
	// PushSeqGap signals that pushes were missed and subscriber state
	// may be stale.
	PushSeqGap
)

type Push struct {
	Kind    PushKind
	Event   string
	Payload json.RawMessage
}

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrTimeout      = errors.New("gateway request timed out")
)

// Client is the upstream gateway the bridge forwards allowlisted RPCs
// to and drains pushes from. Subscribe returns the single shared push
// stream; only one active subscriber is expected.
type Client interface {
	Refresh(ctx context.Context) error
	Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Subscribe() <-chan Push
}
