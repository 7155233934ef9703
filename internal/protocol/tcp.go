package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	maxFrameSize = 1_000_000
	writeTimeout = 10 * time.Second
)

// Framer carries whole frames over some transport. ReadFrame returns
// ErrMalformedFrame (wrapped) for a frame that failed to decode on an
// otherwise healthy stream; any other error means the stream is dead.
// WriteFrame is safe for concurrent use.
type Framer interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
	RemoteAddr() string
}

// tcpFramer speaks newline-delimited JSON, one frame per line.
type tcpFramer struct {
	conn    net.Conn
	scanner *bufio.Scanner

	sendMu sync.Mutex
}

func NewTCPFramer(conn net.Conn) Framer {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &tcpFramer{conn: conn, scanner: sc}
}

func (t *tcpFramer) ReadFrame() (*Frame, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := t.scanner.Bytes()
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return &f, nil
}

func (t *tcpFramer) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := t.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *tcpFramer) Close() error {
	return t.conn.Close()
}

func (t *tcpFramer) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
