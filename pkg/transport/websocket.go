package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSStream adapts a gorilla WebSocket to Stream. Each Write becomes one
// binary message (WriteFrame writes a whole frame per call); reads
// concatenate incoming binary messages into a byte stream so frames may
// span or share messages. Text messages are skipped.
type WSStream struct {
	ws *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu sync.Mutex
}

func NewWSStream(ws *websocket.Conn) *WSStream {
	return &WSStream{ws: ws}
}

func (s *WSStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.cur == nil {
			mt, r, err := s.ws.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}

		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WSStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal-closure control frame (best effort) and closes the socket.
func (s *WSStream) Close() error {
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.ws.Close()
}

func (s *WSStream) RemoteAddr() net.Addr {
	return s.ws.RemoteAddr()
}

func (s *WSStream) SetWriteDeadline(t time.Time) error {
	return s.ws.SetWriteDeadline(t)
}
