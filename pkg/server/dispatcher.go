package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aeolun/tricklobby/pkg/protocol"
	"github.com/aeolun/tricklobby/pkg/transport"
)

// Close reasons passed to Conn.CloseWith
var (
	ErrIdleTimeout      = errors.New("idle timeout")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrKicked           = errors.New("kicked")
	ErrLeft             = errors.New("left the lobby")
	ErrServerFull       = errors.New("server full")
	ErrShuttingDown     = errors.New("server shutting down")
)

type eventType int

const (
	eventMessage eventType = iota
	eventUndecodable
	eventClosed
)

func (t eventType) String() string {
	switch t {
	case eventMessage:
		return "message"
	case eventUndecodable:
		return "undecodable"
	case eventClosed:
		return "closed"
	}
	return "unknown"
}

type event struct {
	typ  eventType
	sess *Session
	msg  protocol.Message
	err  error // decode error or close reason
}

// requestError is a handler failure that is reported back to the client
// as an ERROR message referencing the offending request.
type requestError struct {
	kind   protocol.ErrorKind
	detail string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.detail)
}

func invalidArg(format string, args ...any) error {
	return &requestError{kind: protocol.ErrKindInvalidArg, detail: fmt.Sprintf(format, args...)}
}

func unauthorized(format string, args ...any) error {
	return &requestError{kind: protocol.ErrKindUnauthorized, detail: fmt.Sprintf(format, args...)}
}

func unknownSession(format string, args ...any) error {
	return &requestError{kind: protocol.ErrKindUnknownSession, detail: fmt.Sprintf(format, args...)}
}

type handlerFunc func(sess *Session, msg protocol.Message) error

// Dispatcher serializes all session state changes onto one goroutine.
//
// Reader goroutines hand it decoded messages and closure notices through a
// bounded inbox; Run consumes them in order, so messages from a single
// connection are handled in the order they arrived.
type Dispatcher struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	inbox    chan event
	handlers map[protocol.Kind]handlerFunc
	commands map[string]command
	rooms    *roomTable
	now      func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher creates a dispatcher over registry. metrics may be nil.
func NewDispatcher(cfg Config, registry *Registry, metrics *Metrics) *Dispatcher {
	queue := cfg.DispatchQueue
	if queue <= 0 {
		queue = DefaultConfig().DispatchQueue
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		inbox:    make(chan event, queue),
		rooms:    newRoomTable(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	d.handlers = map[protocol.Kind]handlerFunc{
		protocol.KindJoin:      d.handleJoin,
		protocol.KindLeave:     d.handleLeave,
		protocol.KindCommand:   d.handleCommand,
		protocol.KindHeartbeat: d.handleHeartbeat,
	}
	d.commands = defaultCommands()
	return d
}

// Run handles events until Stop is called and the inbox is drained.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for ev := range d.inbox {
		start := time.Now()
		d.handle(ev)
		d.metrics.RecordDispatchDuration(ev.typ.String(), time.Since(start))
	}
}

// Stop closes the inbox. Callers must guarantee nothing submits afterwards;
// Done is closed once every queued event has been handled.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.inbox) })
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Submit queues a decoded message from sess. It blocks while the inbox is full.
func (d *Dispatcher) Submit(sess *Session, msg protocol.Message) {
	d.inbox <- event{typ: eventMessage, sess: sess, msg: msg}
}

// SubmitUndecodable queues a frame that decoded to an unknown kind so the
// reply is ordered with the connection's other replies.
func (d *Dispatcher) SubmitUndecodable(sess *Session, err error) {
	d.inbox <- event{typ: eventUndecodable, sess: sess, err: err}
}

// Closed reports that sess's connection has ended. Safe to call more than once.
func (d *Dispatcher) Closed(sess *Session, reason error) {
	d.inbox <- event{typ: eventClosed, sess: sess, err: reason}
}

func (d *Dispatcher) handle(ev event) {
	if ev.typ == eventClosed {
		d.handleClosed(ev.sess, ev.err)
		return
	}

	sess := ev.sess
	if st := sess.State(); st == StateClosing || st == StateClosed {
		logger.WithFields(sess.fields()).WithField("kind", ev.msg.Kind()).
			Debug("dropping message from closed session")
		return
	}
	// A kicked or reaped session is still Active until its reader reports
	// the closure; nothing it sent after that point is acted on.
	if reason := sess.Conn.Reason(); reason != nil {
		logger.WithFields(sess.fields()).WithField("kind", ev.msg.Kind()).WithField("reason", reason).
			Debug("dropping message from closing connection")
		return
	}

	if ev.typ == eventUndecodable {
		var decErr *protocol.DecodeError
		if errors.As(ev.err, &decErr) {
			d.sendTo(sess, protocol.Error{RefID: decErr.Seq, Code: decErr.ErrorKind(), Detail: decErr.Error()})
		}
		return
	}

	msg := ev.msg
	h, ok := d.handlers[msg.Kind()]
	if !ok {
		d.replyError(sess, msg.Seq, invalidArg("%s is not accepted from clients", msg.Kind()))
		return
	}

	if err := h(sess, msg); err != nil {
		d.replyError(sess, msg.Seq, err)
	}
}

func (d *Dispatcher) replyError(sess *Session, refID uint64, err error) {
	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		logger.WithFields(sess.fields()).WithError(err).Error("handler failed")
		reqErr = &requestError{kind: protocol.ErrKindInternal, detail: "internal error"}
	}
	d.sendTo(sess, protocol.Error{RefID: refID, Code: reqErr.kind, Detail: reqErr.detail})
}

// sendTo queues body for sess. Failures mean the connection is closing;
// its own closure event will tear the session down.
//
// A reply too large for one frame is replaced by an internal ERROR so the
// request is never left unanswered.
func (d *Dispatcher) sendTo(sess *Session, body protocol.Body) bool {
	if _, err := sess.Conn.Send(protocol.Message{Body: body}); err != nil {
		if ack, ok := body.(protocol.Ack); ok && errors.Is(err, transport.ErrFrameTooLarge) {
			logger.WithFields(sess.fields()).WithError(err).Warn("reply exceeds frame limit")
			return d.sendTo(sess, protocol.Error{RefID: ack.RefID, Code: protocol.ErrKindInternal, Detail: "reply too large"})
		}
		logger.WithFields(sess.fields()).WithError(err).WithField("kind", body.Kind()).
			Debug("send failed")
		return false
	}
	d.metrics.RecordMessageSent(string(body.Kind()))
	return true
}

// broadcast sends body to every session in recipients except skip.
func (d *Dispatcher) broadcast(recipients []*Session, skip *Session, body protocol.Body) int {
	sent := 0
	for _, sess := range recipients {
		if sess == skip {
			continue
		}
		if d.sendTo(sess, body) {
			sent++
		}
	}
	d.metrics.RecordBroadcastFanout(sent)
	return sent
}

// handleClosed tears down a session whose connection ended. Only the first
// notice for an active session does anything, so exactly one LEFT goes out.
func (d *Dispatcher) handleClosed(sess *Session, reason error) {
	sess.stopHandshake()

	switch {
	case sess.transition(StateActive, StateClosing):
		d.teardown(sess, reason, nil)
	case sess.transition(StateConnecting, StateClosed):
		d.metrics.RecordSessionClosed(closeReasonLabel(reason))
		logger.WithFields(sess.fields()).WithField("reason", reason).Debug("connection closed before join")
	}
}

// teardown removes an active session (already moved to Closing) and
// announces its departure. farewell, if set, is the last message queued
// for the session before its connection closes.
func (d *Dispatcher) teardown(sess *Session, reason error, farewell protocol.Body) {
	d.leaveRoom(sess)
	d.registry.Deregister(sess.ID)
	d.broadcast(d.registry.Snapshot(), sess, protocol.Left{SessionID: sess.ID})
	if farewell != nil {
		d.sendTo(sess, farewell)
	}
	sess.Conn.CloseWith(reason)
	sess.setState(StateClosed)

	d.metrics.RecordSessionClosed(closeReasonLabel(reason))
	logger.WithFields(sess.fields()).WithField("reason", reason).Info("session closed")
}

func closeReasonLabel(reason error) string {
	var decErr *protocol.DecodeError
	switch {
	case reason == nil:
		return "unknown"
	case errors.Is(reason, ErrLeft):
		return "leave"
	case errors.Is(reason, ErrIdleTimeout):
		return "idle"
	case errors.Is(reason, ErrHandshakeTimeout):
		return "handshake"
	case errors.Is(reason, ErrKicked):
		return "kicked"
	case errors.Is(reason, ErrShuttingDown):
		return "shutdown"
	case errors.Is(reason, ErrServerFull):
		return "full"
	case errors.As(reason, &decErr):
		return "malformed"
	case errors.Is(reason, io.EOF):
		return "eof"
	case errors.Is(reason, transport.ErrConnectionClosed):
		return "closed"
	}
	return "error"
}
