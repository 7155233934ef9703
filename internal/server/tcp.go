package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"nodebridge/internal/bridge"
	"nodebridge/internal/protocol"
)

// ServeTCP accepts raw TCP node connections and runs a connection
// handler per socket. Accept failures are logged, never fatal to the
// process; the loop ends when the listener is closed.
func ServeTCP(ctx context.Context, ln net.Listener, coord *bridge.Coordinator, log *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error("accept failed", "error", err)
			return
		}
		conn := bridge.NewConn(protocol.NewTCPFramer(netConn), coord, log)
		go conn.Run(ctx)
	}
}
