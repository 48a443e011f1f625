package transport

import (
	"bufio"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/tricklobby/pkg/protocol"
)

// ErrConnectionClosed is the close reason when Close is called without one.
var ErrConnectionClosed = errors.New("connection closed")

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 10 * time.Second
	DefaultFlushTimeout = 2 * time.Second
)

// Stream is the byte transport under a Conn: a TCP socket, a WebSocket or
// an SSH channel.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Options tune a Conn. Zero values pick the defaults.
type Options struct {
	MaxFrameBytes uint32
	QueueSize     int
	WriteTimeout  time.Duration // per frame; ignored when the stream has no deadlines
	FlushTimeout  time.Duration // budget for draining the queue on close
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	return o
}

// Conn is a message-oriented connection over a Stream.
//
// Outbound messages go through a bounded queue drained by a single writer
// goroutine, so frames from concurrent senders never interleave. Send
// blocks while the queue is full. Receive must only be called from one
// goroutine at a time.
type Conn struct {
	stream Stream
	reader *bufio.Reader
	opts   Options

	queue chan []byte

	sendMu  sync.Mutex // orders seq stamping with enqueue
	nextSeq uint64
	sealed  bool // no more enqueues; set by the writer once closing

	closeOnce   sync.Once
	closing     chan struct{}
	reason      atomic.Pointer[error]
	streamOnce  sync.Once
	done        chan struct{}
	forceTimer  *time.Timer
	forceTimerM sync.Mutex

	lastActivity atomic.Int64 // unix nanos of the last inbound frame
	lastInSeq    uint64
	sawInbound   bool
	seqAnomalies atomic.Uint64

	errMu   sync.Mutex
	iterErr error
}

// New wraps stream and starts the writer goroutine.
func New(stream Stream, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		stream:  stream,
		reader:  bufio.NewReader(stream),
		opts:    opts,
		queue:   make(chan []byte, opts.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	go c.writeLoop()
	return c
}

// Send stamps m with the next outbound sequence number and queues it.
// It returns the close reason once the connection is closing.
func (c *Conn) Send(m protocol.Message) (uint64, error) {
	if m.Body == nil {
		return 0, errors.New("send: nil message body")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sealed || c.isClosing() {
		return 0, c.Reason()
	}

	seq := c.nextSeq + 1
	data := protocol.Encode(protocol.Message{Seq: seq, Body: m.Body})
	if uint64(len(data)) > uint64(c.opts.MaxFrameBytes) {
		return 0, fmt.Errorf("send %s: %w: %d > %d", m.Body.Kind(), ErrFrameTooLarge, len(data), c.opts.MaxFrameBytes)
	}

	select {
	case c.queue <- data:
		c.nextSeq = seq
		return seq, nil
	case <-c.closing:
		return 0, c.Reason()
	}
}

// Receive blocks for the next inbound message.
//
// An UnknownKind decode error is returned with the connection left open.
// A malformed frame is answered with an ERROR{malformed} and closes the
// connection. Any other failure is terminal and closes the connection
// too; after a local close the close reason is returned.
func (c *Conn) Receive() (protocol.Message, error) {
	if c.isClosing() {
		return protocol.Message{}, c.Reason()
	}

	payload, err := ReadFrame(c.reader, c.opts.MaxFrameBytes)
	if err != nil {
		if c.isClosing() {
			return protocol.Message{}, c.Reason()
		}
		if errors.Is(err, protocol.ErrMalformed) {
			c.rejectMalformed(err)
			return protocol.Message{}, err
		}
		c.CloseWith(err)
		return protocol.Message{}, err
	}

	c.lastActivity.Store(time.Now().UnixNano())

	msg, err := protocol.Decode(payload)
	if err != nil {
		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) && decErr.Reason == protocol.UnknownKind {
			c.trackSeq(decErr.Seq)
			return protocol.Message{}, err
		}
		c.rejectMalformed(err)
		return protocol.Message{}, err
	}

	c.trackSeq(msg.Seq)
	return msg, nil
}

func (c *Conn) rejectMalformed(err error) {
	detail := err.Error()
	var decErr *protocol.DecodeError
	if errors.As(err, &decErr) {
		detail = decErr.Detail
	}
	// Best effort; the peer may already be gone.
	_, _ = c.Send(protocol.Message{Body: protocol.Error{Code: protocol.ErrKindMalformed, Detail: detail}})
	c.CloseWith(err)
}

func (c *Conn) trackSeq(seq uint64) {
	if c.sawInbound && seq <= c.lastInSeq {
		c.seqAnomalies.Add(1)
	}
	c.sawInbound = true
	c.lastInSeq = seq
}

// Messages yields inbound messages until the connection ends, skipping
// unknown kinds. Err reports why the sequence stopped.
func (c *Conn) Messages() iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		for {
			msg, err := c.Receive()
			if err != nil {
				if errors.Is(err, protocol.ErrUnknownKind) {
					continue
				}
				c.errMu.Lock()
				c.iterErr = err
				c.errMu.Unlock()
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Err returns the error that ended Messages, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.iterErr
}

// Close closes the connection with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.CloseWith(nil)
	return nil
}

// CloseWith starts closing the connection. The first reason wins; later
// calls are no-ops. Frames already queued are flushed within FlushTimeout,
// after which the stream is closed regardless.
func (c *Conn) CloseWith(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrConnectionClosed
		}
		c.reason.Store(&reason)
		close(c.closing)

		c.forceTimerM.Lock()
		c.forceTimer = time.AfterFunc(c.opts.FlushTimeout, c.closeStream)
		c.forceTimerM.Unlock()
	})
}

// Reason returns the close reason, or nil while the connection is open.
func (c *Conn) Reason() error {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return nil
}

// Done is closed once the underlying stream has been released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// LastActivity returns the time of the last inbound frame (or of New).
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// SeqAnomalies counts inbound frames whose seq did not increase.
func (c *Conn) SeqAnomalies() uint64 {
	return c.seqAnomalies.Load()
}

// RemoteAddr returns the peer address of the stream.
func (c *Conn) RemoteAddr() net.Addr {
	return c.stream.RemoteAddr()
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.closeStream()
		c.forceTimerM.Lock()
		if c.forceTimer != nil {
			c.forceTimer.Stop()
		}
		c.forceTimerM.Unlock()
		close(c.done)
	}()

	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.CloseWith(err)
				c.seal()
				return
			}
		case <-c.closing:
			c.seal()
			c.flush()
			return
		}
	}
}

// seal stops further enqueues. Senders blocked on a full queue are woken
// by the closed closing channel and release sendMu promptly.
func (c *Conn) seal() {
	c.sendMu.Lock()
	c.sealed = true
	c.sendMu.Unlock()
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if wd, ok := c.stream.(writeDeadliner); ok && c.opts.WriteTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	// data is already an encoded message; the frame limit was checked in Send.
	return WriteFrame(c.stream, data, c.opts.MaxFrameBytes)
}

func (c *Conn) closeStream() {
	c.streamOnce.Do(func() {
		_ = c.stream.Close()
	})
}
