package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/tricklobby/pkg/protocol"
	"github.com/aeolun/tricklobby/pkg/transport"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// Server accepts client connections on every configured transport and
// feeds them to a single dispatcher.
type Server struct {
	cfg        Config
	metrics    *Metrics
	registry   *Registry
	dispatcher *Dispatcher
	startTime  time.Time

	listened        bool
	tcpListener     net.Listener
	sshListener     net.Listener
	httpListener    net.Listener
	metricsListener net.Listener
	httpServer      *http.Server
	metricsServer   *http.Server
	sshConfig       *ssh.ServerConfig

	connMu  sync.Mutex
	conns   map[*Session]struct{}
	closing bool
	readers sync.WaitGroup
}

// New creates a server. Nothing is bound until Listen or Serve.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	metrics := NewMetrics()
	registry := NewRegistry(metrics)
	return &Server{
		cfg:        cfg,
		metrics:    metrics,
		registry:   registry,
		dispatcher: NewDispatcher(cfg, registry, metrics),
		startTime:  time.Now(),
		conns:      make(map[*Session]struct{}),
	}, nil
}

// Listen binds every enabled listener. On failure nothing stays bound.
func (s *Server) Listen() error {
	if s.listened {
		return errors.New("server is already listening")
	}

	if err := s.bind(); err != nil {
		s.closeListeners()
		return err
	}

	if s.httpListener != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	s.listened = true

	logger.WithFields(logrus.Fields{
		"tcp":     s.TCPAddr(),
		"ws":      s.HTTPAddr(),
		"ssh":     s.SSHAddr(),
		"metrics": s.MetricsAddr(),
	}).Info("server listening")
	return nil
}

func (s *Server) bind() error {
	var err error
	if s.tcpListener, err = s.listen(s.cfg.TCPPort); err != nil {
		return fmt.Errorf("tcp listener: %w", err)
	}
	if s.httpListener, err = s.listen(s.cfg.HTTPPort); err != nil {
		return fmt.Errorf("websocket listener: %w", err)
	}
	if s.metricsListener, err = s.listen(s.cfg.MetricsPort); err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	if s.cfg.SSHPort < 0 {
		logger.WithField("ssh_port", s.cfg.SSHPort).Info("SSH server disabled")
		return nil
	}
	if s.sshConfig, err = s.newSSHConfig(); err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	if s.sshListener, err = s.listen(s.cfg.SSHPort); err != nil {
		return fmt.Errorf("ssh listener: %w", err)
	}
	return nil
}

// listen binds BindAddress:port. A negative port disables the listener.
func (s *Server) listen(port int) (net.Listener, error) {
	if port < 0 {
		return nil, nil
	}
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	return lc.Listen(context.Background(), "tcp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port)))
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.tcpListener, s.sshListener, s.httpListener, s.metricsListener} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func addrOf(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// TCPAddr returns the bound TCP address, or "" when disabled.
func (s *Server) TCPAddr() string { return addrOf(s.tcpListener) }

// HTTPAddr returns the WebSocket listener address, or "" when disabled.
func (s *Server) HTTPAddr() string { return addrOf(s.httpListener) }

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (s *Server) MetricsAddr() string { return addrOf(s.metricsListener) }

// SSHAddr returns the SSH listener address, or "" when disabled.
func (s *Server) SSHAddr() string { return addrOf(s.sshListener) }

// Serve runs the server until ctx is cancelled or a listener fails for
// good. Either way every connection is closed and the dispatcher has
// drained before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if !s.listened {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var acceptors sync.WaitGroup

	g.Go(func() error {
		s.dispatcher.Run()
		return nil
	})

	accept := func(ln net.Listener, name string, handle func(net.Conn)) {
		if ln == nil {
			return
		}
		acceptors.Add(1)
		g.Go(func() error {
			defer acceptors.Done()
			return s.acceptLoop(gctx, ln, name, handle)
		})
	}
	accept(s.tcpListener, TransportTCP, s.handleTCP)
	accept(s.sshListener, TransportSSH, s.handleSSH)

	serveHTTP := func(srv *http.Server, ln net.Listener) {
		if srv == nil {
			return
		}
		g.Go(func() error {
			err := srv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) || (errors.Is(err, net.ErrClosed) && gctx.Err() != nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("http %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	serveHTTP(s.httpServer, s.httpListener)
	serveHTTP(s.metricsServer, s.metricsListener)

	g.Go(func() error {
		s.reapLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(&acceptors)
		return nil
	})

	return g.Wait()
}

// acceptLoop accepts connections until the listener is closed. Temporary
// failures (descriptor or buffer exhaustion) are retried with backoff;
// MaxAcceptFailures of them in a row end the loop with an error.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, name string, handle func(net.Conn)) error {
	failures := 0
	backoff := acceptBackoffMin

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.metrics.RecordAcceptError()
			if !isTemporaryAcceptError(err) {
				return fmt.Errorf("%s accept: %w", name, err)
			}

			failures++
			logger.WithError(err).WithFields(logrus.Fields{
				"transport": name,
				"failures":  failures,
				"backoff":   backoff,
			}).Error("accept failed")
			if s.cfg.MaxAcceptFailures > 0 && failures >= s.cfg.MaxAcceptFailures {
				return fmt.Errorf("%s accept: %d consecutive failures: %w", name, failures, err)
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, acceptBackoffMax)
			continue
		}

		failures = 0
		backoff = acceptBackoffMin
		go handle(conn)
	}
}

func isTemporaryAcceptError(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}

func (s *Server) handleTCP(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.serveStream(conn, TransportTCP, nil)
}

func (s *Server) connOptions() transport.Options {
	return transport.Options{
		MaxFrameBytes: s.cfg.MaxFrameBytes,
		QueueSize:     s.cfg.OutboundQueue,
		WriteTimeout:  s.cfg.WriteTimeout,
		FlushTimeout:  s.cfg.FlushTimeout,
	}
}

// serveStream runs one connection from greeting to closure on the calling
// goroutine. setup, if set, fills in transport-specific session fields.
func (s *Server) serveStream(stream transport.Stream, transportName string, setup func(*Session)) {
	conn := transport.New(stream, s.connOptions())
	sess := newSession(conn, transportName)
	if setup != nil {
		setup(sess)
	}

	if err := s.track(sess); err != nil {
		if errors.Is(err, ErrServerFull) {
			logger.WithFields(sess.fields()).WithField("limit", s.cfg.MaxConnections).Warn("rejecting connection: server full")
			s.send(sess, protocol.Disconnect{Reason: "server full"})
		}
		conn.CloseWith(err)
		s.metrics.RecordSessionClosed(closeReasonLabel(err))
		return
	}
	s.metrics.RecordConnectionOpened(transportName)
	logger.WithFields(sess.fields()).Debug("connection accepted")

	s.send(sess, protocol.Welcome{
		Server:             s.cfg.ServerName,
		ProtocolVersion:    protocol.ProtocolVersion,
		MaxFrameBytes:      s.cfg.MaxFrameBytes,
		IdleTimeoutSeconds: int(s.cfg.IdleTimeout / time.Second),
	})
	sess.armHandshake(s.cfg.HandshakeTimeout, func() {
		if sess.State() == StateConnecting {
			logger.WithFields(sess.fields()).Info("handshake timed out")
			sess.Conn.CloseWith(ErrHandshakeTimeout)
		}
	})

	s.readLoop(sess)
}

func (s *Server) send(sess *Session, body protocol.Body) {
	if _, err := sess.Conn.Send(protocol.Message{Body: body}); err != nil {
		logger.WithFields(sess.fields()).WithError(err).WithField("kind", body.Kind()).Debug("send failed")
		return
	}
	s.metrics.RecordMessageSent(string(body.Kind()))
}

// readLoop hands inbound messages to the dispatcher until the connection
// ends, then reports the closure.
func (s *Server) readLoop(sess *Session) {
	defer s.untrack(sess)

	for {
		msg, err := sess.Conn.Receive()
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) {
				s.metrics.RecordDecodeError(decErr.Reason.String())
				if decErr.Reason == protocol.UnknownKind {
					s.dispatcher.SubmitUndecodable(sess, err)
					continue
				}
			}
			s.dispatcher.Closed(sess, err)
			return
		}

		s.metrics.RecordMessageReceived(string(msg.Kind()))
		s.dispatcher.Submit(sess, msg)
	}
}

// track adds sess to the live set. Every tracked session has a reader
// goroutine counted in s.readers.
func (s *Server) track(sess *Session) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closing {
		return ErrShuttingDown
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		return ErrServerFull
	}
	s.conns[sess] = struct{}{}
	s.readers.Add(1)
	return nil
}

func (s *Server) untrack(sess *Session) {
	s.connMu.Lock()
	delete(s.conns, sess)
	s.connMu.Unlock()

	s.metrics.RecordConnectionClosed(sess.Transport)
	s.readers.Done()
}

func (s *Server) liveSessions() []*Session {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return slices.Collect(maps.Keys(s.conns))
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.reapIdle(now); n > 0 {
				logger.WithField("count", n).Info("reaped idle sessions")
			}
		}
	}
}

// reapIdle closes every connection that has been silent for IdleTimeout.
func (s *Server) reapIdle(now time.Time) int {
	reaped := 0
	for _, sess := range s.liveSessions() {
		idle := now.Sub(sess.LastActivity())
		if idle < s.cfg.IdleTimeout || sess.Conn.Reason() != nil {
			continue
		}
		logger.WithFields(sess.fields()).WithField("idle", idle.Round(time.Millisecond)).Debug("closing idle session")
		s.send(sess, protocol.Disconnect{Reason: "idle timeout"})
		sess.Conn.CloseWith(ErrIdleTimeout)
		reaped++
	}
	return reaped
}

// shutdown stops accepting, says goodbye to the lobby, closes every
// connection and waits for the dispatcher to drain.
func (s *Server) shutdown(acceptors *sync.WaitGroup) {
	logger.Info("shutting down")

	// Shutdown closes the HTTP listeners itself, so Serve reports
	// ErrServerClosed rather than an accept error.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
	}
	cancel()
	for _, ln := range []net.Listener{s.tcpListener, s.sshListener} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	acceptors.Wait()

	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()

	members := s.registry.Snapshot()
	for _, sess := range members {
		s.send(sess, protocol.Disconnect{Reason: "server shutting down"})
	}
	live := s.liveSessions()
	for _, sess := range live {
		sess.Conn.CloseWith(ErrShuttingDown)
	}
	s.readers.Wait()

	s.dispatcher.Stop()
	<-s.dispatcher.Done()

	logger.WithFields(logrus.Fields{
		"members":     len(members),
		"connections": len(live),
	}).Info("server stopped")
}

type healthStatus struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Connections   int    `json:"connections"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// HealthHandler reports liveness and lobby size as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	status := "ok"
	if s.closing {
		status = "shutting_down"
	}
	conns := len(s.conns)
	s.connMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(healthStatus{
		Status:        status,
		Sessions:      s.registry.Len(),
		Connections:   conns,
		UptimeSeconds: int64(time.Since(s.startTime) / time.Second),
	})
}
