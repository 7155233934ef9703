package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsFramer carries one JSON frame per websocket text message.
type wsFramer struct {
	ws *websocket.Conn

	sendMu sync.Mutex
}

func NewWSFramer(ws *websocket.Conn) Framer {
	ws.SetReadLimit(maxFrameSize)
	return &wsFramer{ws: ws}
}

func (w *wsFramer) ReadFrame() (*Frame, error) {
	_, data, err := w.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

func (w *wsFramer) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wsFramer) Close() error {
	return w.ws.Close()
}

func (w *wsFramer) RemoteAddr() string {
	if addr := w.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
