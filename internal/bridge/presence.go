package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// startPresenceLocked (re)starts the periodic presence beacon for one
// node. The timer never outlives the connection: stopPresenceLocked is
// called unconditionally on unregister.
func (co *Coordinator) startPresenceLocked(nodeID string) {
	if cancel, ok := co.presence[nodeID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	co.presence[nodeID] = cancel

	go func() {
		ticker := time.NewTicker(co.presenceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				co.mu.Lock()
				conn := co.conns[nodeID]
				co.mu.Unlock()
				remote := ""
				if conn != nil {
					remote = conn.RemoteAddr()
				}
				co.beacon(nodeID, "periodic", remote)
			}
		}
	}()
}

func (co *Coordinator) stopPresenceLocked(nodeID string) {
	if cancel, ok := co.presence[nodeID]; ok {
		cancel()
		delete(co.presence, nodeID)
	}
}

// beacon tells the agent subsystem a node came, went, or is still here.
// Purely advisory: every failure is swallowed.
func (co *Coordinator) beacon(nodeID, reason, remoteAddr string) {
	host := nodeID
	platform := ""
	version := ""
	if co.store != nil {
		if rec, ok := co.store.Find(nodeID); ok {
			if v := strings.TrimSpace(rec.DisplayName); v != "" {
				host = v
			}
			platform = strings.TrimSpace(rec.Platform)
			version = strings.TrimSpace(rec.Version)
		}
	}

	tags := []string{"node"}
	if platform != "" {
		tags = append(tags, platform)
	}

	parts := make([]string, 0, 5)
	if remoteAddr != "" {
		parts = append(parts, fmt.Sprintf("Node: %s (%s)", host, remoteAddr))
	} else {
		parts = append(parts, "Node: "+host)
	}
	if platform != "" {
		parts = append(parts, "platform "+platform)
	}
	if version != "" {
		parts = append(parts, "app "+version)
	}
	parts = append(parts, "mode node", "reason "+reason)

	params := map[string]any{
		"text":       strings.Join(parts, " · "),
		"instanceId": nodeID,
		"host":       host,
		"mode":       "node",
		"reason":     reason,
		"tags":       tags,
	}
	if remoteAddr != "" {
		params["ip"] = remoteAddr
	}
	if version != "" {
		params["version"] = version
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := co.agent.ControlRequest(ctx, "system-event", params); err != nil {
		co.log.Debug("presence beacon failed", "node_id", nodeID, "reason", reason, "error", err)
	}
}
