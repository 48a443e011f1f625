package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/tricklobby/pkg/protocol"
	"github.com/aeolun/tricklobby/pkg/transport"
)

// State is a session's lifecycle stage.
type State int32

const (
	StateConnecting State = iota // accepted, not yet joined
	StateActive                  // joined and registered
	StateClosing                 // teardown in progress
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport names used in logs and metrics
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
	TransportSSH = "ssh"
)

// Session represents one accepted connection and, once joined, one lobby
// member. DisplayName and Role are only written by the dispatcher
// goroutine.
type Session struct {
	ID          uint64    // 0 until registered
	ConnID      uuid.UUID // log correlation before an ID exists
	DisplayName string
	Role        protocol.Role
	Conn        *transport.Conn
	RemoteAddr  string
	Transport   string
	ConnectedAt time.Time

	// SSH public key fingerprint, when the peer offered one
	KeyFingerprint string

	state atomic.Int32

	timerMu        sync.Mutex
	handshakeTimer *time.Timer
}

func newSession(conn *transport.Conn, transportName string) *Session {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		ConnID:      uuid.New(),
		Conn:        conn,
		RemoteAddr:  remote,
		Transport:   transportName,
		ConnectedAt: time.Now(),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition moves from -> to atomically; it fails if the session is not in from.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// LastActivity is the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return s.Conn.LastActivity()
}

// Member is the public view of the session sent to other clients.
func (s *Session) Member() protocol.Member {
	return protocol.Member{SessionID: s.ID, DisplayName: s.DisplayName, Role: s.Role}
}

func (s *Session) armHandshake(d time.Duration, fn func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.handshakeTimer = time.AfterFunc(d, fn)
}

func (s *Session) stopHandshake() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
}

// fields are the log fields identifying the session. The display name is
// left out since it may only be read on the dispatcher goroutine.
func (s *Session) fields() logrus.Fields {
	f := logrus.Fields{
		"conn":      s.ConnID.String(),
		"transport": s.Transport,
		"remote":    s.RemoteAddr,
	}
	if s.State() != StateConnecting {
		f["session"] = s.ID
	}
	if s.KeyFingerprint != "" {
		f["key"] = s.KeyFingerprint
	}
	return f
}
