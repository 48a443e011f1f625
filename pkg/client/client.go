package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/tricklobby/pkg/protocol"
	"github.com/aeolun/tricklobby/pkg/transport"
)

// ErrClosed is returned by requests made after the connection ended.
var ErrClosed = errors.New("client closed")

const DefaultEventBuffer = 256

// Options tune a Client. Zero values pick the transport defaults.
type Options struct {
	MaxFrameBytes uint32
	QueueSize     int
	WriteTimeout  time.Duration
	FlushTimeout  time.Duration
	EventBuffer   int // lobby events buffered before new ones are dropped
}

func (o Options) transport() transport.Options {
	return transport.Options{
		MaxFrameBytes: o.MaxFrameBytes,
		QueueSize:     o.QueueSize,
		WriteTimeout:  o.WriteTimeout,
		FlushTimeout:  o.FlushTimeout,
	}
}

// ServerError is an ERROR reply to one of our requests.
type ServerError struct {
	Kind   protocol.ErrorKind
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server error: %s", e.Kind)
	}
	return fmt.Sprintf("server error: %s: %s", e.Kind, e.Detail)
}

// IsServerError reports whether err is a ServerError of the given kind.
func IsServerError(err error, kind protocol.ErrorKind) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Kind == kind
}

// Client is one lobby connection. Requests (Join, Command, Leave) wait for
// the reply carrying their seq; everything else the server sends is
// delivered on Events.
type Client struct {
	conn    *transport.Conn
	welcome protocol.Welcome

	events  chan protocol.Message
	dropped atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
	ended   bool

	sessionID atomic.Uint64

	done chan struct{}
	err  error // set before done is closed
}

// Dial connects over TCP and waits for the server's WELCOME.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c, err := New(ctx, nc, opts)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// DialWebSocket connects to a ws:// or wss:// URL (the server's /ws path).
func DialWebSocket(ctx context.Context, url string, opts Options) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	c, err := New(ctx, transport.NewWSStream(ws), opts)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return c, nil
}

// DialSSH connects to the server's SSH listener and opens a session
// channel. config supplies the user, key and host key policy.
func DialSSH(ctx context.Context, addr string, config *ssh.ClientConfig, opts Options) (*Client, error) {
	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})

	sc := ssh.NewClient(sshConn, chans, reqs)
	channel, requests, err := sc.OpenChannel("session", nil)
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("ssh open channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	c, err := New(ctx, &sshChannel{Channel: channel, client: sc}, opts)
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	return c, nil
}

type sshChannel struct {
	ssh.Channel
	client *ssh.Client
}

func (s *sshChannel) Close() error {
	_ = s.Channel.Close()
	return s.client.Close()
}

func (s *sshChannel) RemoteAddr() net.Addr {
	return s.client.RemoteAddr()
}

// New runs the client side of the protocol over an established stream.
// It returns once WELCOME arrives; a DISCONNECT instead (server full,
// shutting down) is returned as an error.
func New(ctx context.Context, stream transport.Stream, opts Options) (*Client, error) {
	conn := transport.New(stream, opts.transport())

	stop := context.AfterFunc(ctx, func() { conn.CloseWith(ctx.Err()) })
	first, err := conn.Receive()
	if !stop() {
		conn.CloseWith(ctx.Err())
		return nil, ctx.Err()
	}
	if err != nil {
		conn.CloseWith(err)
		return nil, fmt.Errorf("waiting for welcome: %w", err)
	}

	var welcome protocol.Welcome
	switch b := first.Body.(type) {
	case protocol.Welcome:
		welcome = b
	case protocol.Disconnect:
		conn.Close()
		return nil, fmt.Errorf("server refused connection: %s", b.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %s", first.Kind())
	}

	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	c := &Client{
		conn:    conn,
		welcome: welcome,
		events:  make(chan protocol.Message, buffer),
		pending: make(map[uint64]chan protocol.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for msg := range c.conn.Messages() {
		switch b := msg.Body.(type) {
		case protocol.Ack:
			if c.resolve(b.RefID, msg) {
				continue
			}
		case protocol.Error:
			if b.RefID != 0 && c.resolve(b.RefID, msg) {
				continue
			}
		}
		c.deliver(msg)
	}

	err := c.conn.Err()
	if err == nil {
		err = c.conn.Reason()
	}
	if err == nil {
		err = ErrClosed
	}
	c.conn.CloseWith(err)

	c.mu.Lock()
	c.ended = true
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	c.err = err
	close(c.events)
	close(c.done)
}

func (c *Client) resolve(refID uint64, msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[refID]
	if !ok {
		return false
	}
	delete(c.pending, refID)
	ch <- msg
	return true
}

// deliver never blocks the read loop; a consumer that falls behind loses
// events rather than stalling replies.
func (c *Client) deliver(msg protocol.Message) {
	select {
	case c.events <- msg:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) request(ctx context.Context, body protocol.Body) (protocol.Ack, error) {
	ch := make(chan protocol.Message, 1)

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return protocol.Ack{}, ErrClosed
	}
	seq, err := c.conn.Send(protocol.Message{Body: body})
	if err != nil {
		c.mu.Unlock()
		return protocol.Ack{}, fmt.Errorf("send %s: %w", body.Kind(), err)
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Ack{}, fmt.Errorf("%s: %w", body.Kind(), c.Err())
		}
		switch b := reply.Body.(type) {
		case protocol.Ack:
			return b, nil
		case protocol.Error:
			return protocol.Ack{}, &ServerError{Kind: b.Code, Detail: b.Detail}
		}
		return protocol.Ack{}, fmt.Errorf("unexpected reply %s", reply.Kind())
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return protocol.Ack{}, ctx.Err()
	}
}

// Join creates the session and returns its id.
func (c *Client) Join(ctx context.Context, displayName string, role protocol.Role, password string) (uint64, error) {
	ack, err := c.request(ctx, protocol.Join{DisplayName: displayName, Role: role, Password: password})
	if err != nil {
		return 0, err
	}
	c.sessionID.Store(ack.SessionID)
	return ack.SessionID, nil
}

// Command runs a server command and returns its acknowledgement.
func (c *Client) Command(ctx context.Context, name string, args map[string]string) (protocol.Ack, error) {
	return c.request(ctx, protocol.Command{Name: name, Args: args})
}

// Leave ends the session. The server closes the connection afterwards.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Leave{})
	return err
}

// Heartbeat tells the server we are still here. It has no reply.
func (c *Client) Heartbeat() error {
	_, err := c.conn.Send(protocol.Message{Body: protocol.Heartbeat{}})
	return err
}

// StartHeartbeat sends a heartbeat every interval until stop is called or
// the connection ends.
func (c *Client) StartHeartbeat(interval time.Duration) (stop func()) {
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Heartbeat(); err != nil {
					return
				}
			case <-quit:
				return
			case <-c.done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(quit) }) }
}

// Events delivers JOINED, LEFT, RENAMED, BROADCAST, ROOM, DISCONNECT and
// unsolicited ERROR messages. It is closed when the connection ends.
func (c *Client) Events() <-chan protocol.Message {
	return c.events
}

// DroppedEvents counts events lost because Events was not drained.
func (c *Client) DroppedEvents() uint64 {
	return c.dropped.Load()
}

func (c *Client) Welcome() protocol.Welcome {
	return c.welcome
}

// SessionID is 0 until Join succeeds.
func (c *Client) SessionID() uint64 {
	return c.sessionID.Load()
}

// Close closes the connection and waits for the read loop to finish.
func (c *Client) Close() error {
	c.conn.Close()
	<-c.done
	return nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
