package bridge

import (
	"context"
	"encoding/json"

	"nodebridge/internal/gateway"
	"nodebridge/internal/metrics"
	"nodebridge/internal/protocol"
)

// ensureRelayLocked starts the shared gateway push relay if it is not
// already running. The relay's lifetime equals "at least one connection
// exists": the last Unregister stops it, the next Register restarts it.
func (co *Coordinator) ensureRelayLocked() {
	if co.relayCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	co.relayCancel = cancel
	co.relayDone = done
	go co.runRelay(ctx, done)
}

func (co *Coordinator) stopRelayLocked() {
	if co.relayCancel == nil {
		return
	}
	co.relayCancel()
	co.relayCancel = nil
	co.relayDone = nil
}

func (co *Coordinator) relayRunning() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.relayCancel != nil
}

func (co *Coordinator) runRelay(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := co.gateway.Refresh(ctx); err != nil {
		// Pushes will start flowing once the gateway comes up.
		co.log.Warn("gateway refresh failed", "error", err)
	}

	pushes := co.gateway.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case push, ok := <-pushes:
			if !ok {
				co.log.Warn("gateway push stream closed")
				return
			}
			co.forwardPush(push)
		}
	}
}

// forwardPush fans one gateway push out to connected nodes holding at
// least one chat subscription. Chat pushes are narrowed to subscribers
// of the embedded session key; if the key cannot be determined the push
// goes to every eligible node.
func (co *Coordinator) forwardPush(push gateway.Push) {
	type target struct {
		conn NodeConn
		keys map[string]struct{}
	}

	co.mu.Lock()
	eligible := make(map[string]target)
	for nodeID, keys := range co.subs {
		conn, ok := co.conns[nodeID]
		if !ok {
			continue
		}
		snapshot := make(map[string]struct{}, len(keys))
		for k := range keys {
			snapshot[k] = struct{}{}
		}
		eligible[nodeID] = target{conn: conn, keys: snapshot}
	}
	co.mu.Unlock()

	if len(eligible) == 0 {
		metrics.PushesDropped.Inc()
		return
	}

	send := func(nodeID string, t target, event string, payload json.RawMessage) {
		if err := t.conn.SendServerEvent(event, payload); err != nil {
			co.log.Debug("push delivery failed", "node_id", nodeID, "event", event, "error", err)
		}
	}

	switch push.Kind {
	case gateway.PushSnapshot:
		metrics.PushesRelayed.WithLabelValues("snapshot").Inc()
		for nodeID, t := range eligible {
			send(nodeID, t, protocol.ServerEventHealth, push.Payload)
		}

	case gateway.PushEvent:
		switch push.Event {
		case "health":
			if len(push.Payload) == 0 {
				return
			}
			metrics.PushesRelayed.WithLabelValues("health").Inc()
			for nodeID, t := range eligible {
				send(nodeID, t, protocol.ServerEventHealth, push.Payload)
			}
		case "tick":
			metrics.PushesRelayed.WithLabelValues("tick").Inc()
			for nodeID, t := range eligible {
				send(nodeID, t, protocol.ServerEventTick, nil)
			}
		case "chat":
			if len(push.Payload) == 0 {
				return
			}
			metrics.PushesRelayed.WithLabelValues("chat").Inc()
			sessionKey, ok := decodeSessionKey(push.Payload)
			if ok && sessionKey != "" {
				for nodeID, t := range eligible {
					if _, subscribed := t.keys[sessionKey]; !subscribed {
						continue
					}
					send(nodeID, t, protocol.ServerEventChat, push.Payload)
				}
			} else {
				for nodeID, t := range eligible {
					send(nodeID, t, protocol.ServerEventChat, push.Payload)
				}
			}
		default:
			co.log.Debug("ignoring gateway event", "event", push.Event)
		}

	case gateway.PushSeqGap:
		metrics.PushesRelayed.WithLabelValues("seqGap").Inc()
		for nodeID, t := range eligible {
			send(nodeID, t, protocol.ServerEventSeqGap, nil)
		}
	}
}
