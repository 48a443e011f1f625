package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/tricklobby/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers are not the audience; native clients send no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /ws requests and serves the lobby protocol over
// binary messages. The request goroutine becomes the connection's reader.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logger.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}
	s.serveStream(transport.NewWSStream(ws), TransportWS, nil)
}
