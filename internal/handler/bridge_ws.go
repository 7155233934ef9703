package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"nodebridge/internal/bridge"
	"nodebridge/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// BridgeHandler upgrades /bridge to a websocket and hands the socket to
// a connection handler. The handshake (hello or pair) happens in-band
// on the first frames, same as on the raw TCP listener.
type BridgeHandler struct {
	Coordinator *bridge.Coordinator
	Log         *slog.Logger
}

func (h *BridgeHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := bridge.NewConn(protocol.NewWSFramer(ws), h.Coordinator, h.Log)
	conn.Run(c.Request.Context())
}
