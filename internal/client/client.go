package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nfrund/relay/internal/protocol"
)

// Conn is the slice of a WebSocket connection the client needs. It is
// satisfied by *gorilla/websocket.Conn and by test doubles.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a connection to the server.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla's default WebSocket dialer.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Options configures a Client.
type Options struct {
	// URL is the ws:// endpoint of the server's real-time channel.
	URL string
	// Name, Room and Avatar form the join handshake; the same identity
	// is re-announced on every successful (re)connection.
	Name   string
	Room   string
	Avatar string
	// MaxRetries bounds reconnection attempts after an unexpected
	// disconnect; Backoff is the fixed delay between attempts.
	MaxRetries int
	Backoff    time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Dialer  Dialer
	Tracker AckTracker
}

// ErrClosed is returned by sends after Close, or once reconnection has
// given up.
var ErrClosed = errors.New("client: connection closed")

// Client maintains a connection to the server, re-establishing presence
// after transient disconnects and tracking unacknowledged sends. The
// server treats a reconnection exactly like a fresh join; pending sends
// are not resumed or resent.
type Client struct {
	opts   Options
	dial   Dialer
	acks   AckTracker
	logger *slog.Logger

	mu     sync.Mutex
	conn   Conn
	closed bool

	events chan protocol.ServerEvent
	done   chan struct{}
}

// New creates a Client. By default it retries a lost connection five
// times, one second apart.
func New(opts Options) *Client {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Second
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer
	}
	if opts.Tracker == nil {
		opts.Tracker = NewAckTracker()
	}

	return &Client{
		opts:   opts,
		dial:   opts.Dialer,
		acks:   opts.Tracker,
		logger: slog.Default().With("service", "client"),
		events: make(chan protocol.ServerEvent, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Connect dials the server, performs the join handshake and starts the
// read loop. It returns once the handshake has been written.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx, c.opts.URL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.join(); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop(ctx)
	return nil
}

// Events returns the stream of decoded server events. The channel is
// closed when the connection is closed for good.
func (c *Client) Events() <-chan protocol.ServerEvent {
	return c.events
}

// Pending returns the sends still awaiting acknowledgment.
func (c *Client) Pending() []protocol.Message {
	return c.acks.Pending()
}

// join re-issues the identity announcement. Called on every successful
// (re)connection so the server sees a fresh join each time.
func (c *Client) join() error {
	return c.write(protocol.EventJoin, protocol.Join{
		Name:   c.opts.Name,
		Room:   c.opts.Room,
		Avatar: c.opts.Avatar,
	})
}

// Send transmits a room message and returns the correlation id under
// which it is now pending. Empty sends are rejected locally.
func (c *Client) Send(text, image, voice string) (string, error) {
	if text == "" && image == "" && voice == "" {
		return "", protocol.ErrEmptyContent
	}

	clientID := uuid.NewString()
	c.acks.Track(clientID, protocol.Message{
		Sender:   c.opts.Name,
		Room:     c.opts.Room,
		Message:  text,
		Image:    image,
		Voice:    voice,
		ClientID: clientID,
	})

	err := c.write(protocol.EventSendMessage, protocol.SendMessage{
		Room:     c.opts.Room,
		Message:  text,
		Image:    image,
		Voice:    voice,
		ClientID: clientID,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// SendPrivate transmits a one-to-one message addressed by name.
func (c *Client) SendPrivate(recipient, text, image, voice string) (string, error) {
	if text == "" && image == "" && voice == "" {
		return "", protocol.ErrEmptyContent
	}

	clientID := uuid.NewString()
	c.acks.Track(clientID, protocol.Message{
		Sender:    c.opts.Name,
		Recipient: recipient,
		Message:   text,
		Image:     image,
		Voice:     voice,
		Private:   true,
		ClientID:  clientID,
	})

	err := c.write(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Sender:    c.opts.Name,
		Recipient: recipient,
		Message:   text,
		Image:     image,
		Voice:     voice,
		ClientID:  clientID,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// Typing signals the typing state to the rest of the room.
func (c *Client) Typing(isTyping bool) error {
	return c.write(protocol.EventTyping, protocol.Typing{
		Username: c.opts.Name,
		Room:     c.opts.Room,
		IsTyping: isTyping,
	})
}

// Close tears the connection down and stops reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) write(event string, data any) error {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrClosed
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("connection lost", "error", err)
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		ev, err := protocol.DecodeServerEvent(raw)
		if err != nil {
			c.logger.Warn("dropped undecodable server frame", "error", err)
			continue
		}

		if ev.Kind == protocol.EventMessageAck {
			c.acks.Resolve(ev.Ack.ClientID)
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconnect attempts to re-establish the session: bounded retries with
// a fixed backoff, then the join handshake again with the same
// identity. It reports false once the retry budget is exhausted.
func (c *Client) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		select {
		case <-time.After(c.opts.Backoff):
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		}

		conn, err := c.dial(ctx, c.opts.URL)
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				"attempt", attempt, "max_retries", c.opts.MaxRetries, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.mu.Unlock()

		if err := c.join(); err != nil {
			c.logger.Warn("rejoin failed after reconnect", "attempt", attempt, "error", err)
			conn.Close()
			continue
		}

		c.logger.Info("reconnected", "attempt", attempt)
		return true
	}

	c.logger.Error("giving up after exhausting reconnect attempts", "max_retries", c.opts.MaxRetries)
	return false
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
