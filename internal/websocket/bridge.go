package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/relay/internal/protocol"
	"github.com/nfrund/relay/internal/pubsub"
)

// TopicEventsInbound carries every client event, plus the synthesized
// disconnect frames, in a single stream. Using one topic keeps delivery
// FIFO per source connection: a disconnect can never overtake a message
// the same connection sent earlier.
const TopicEventsInbound = "chat.events.inbound"

// metaDisconnect marks a synthesized disconnect. Only the bridge sets
// it: it travels in message metadata, never in the payload, so a wire
// frame can't forge it and evict someone else's presence.
const metaDisconnect = "disconnected"

// IsDisconnect reports whether an inbound message is the bridge's
// synthesized disconnect for the connection.
func IsDisconnect(msg pubsub.Message) bool {
	return msg.Metadata[metaDisconnect] == "true"
}

// DisconnectMessage builds the synthesized disconnect for a connection.
func DisconnectMessage(connID string) pubsub.Message {
	return pubsub.Message{
		Topic:    TopicEventsInbound,
		ConnID:   connID,
		Metadata: map[string]string{metaDisconnect: "true"},
	}
}

// Client represents a single connected WebSocket client.
type Client struct {
	// ID is the ephemeral connection identifier, assigned at accept time.
	ID string
	// conn is the underlying WebSocket connection.
	conn *websocket.Conn
	// send is a buffered channel of outbound messages for this client.
	send chan []byte
	mu   sync.RWMutex
}

// SendMessage safely queues a message for the client. It reports false
// when the queue is full, which the bridge treats as a slow consumer.
func (c *Client) SendMessage(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.send == nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// Bridge manages all WebSocket connections and routes inbound frames
// onto the Pub/Sub bus. Outbound delivery goes through per-connection
// queues so a slow recipient never stalls the sender or its peers.
type Bridge struct {
	publisher pubsub.Publisher

	mu      sync.RWMutex
	clients map[string]*Client

	queueSize    int
	writeTimeout time.Duration
}

// NewBridge initializes a new Bridge, ready to handle connections.
func NewBridge(pub pubsub.Publisher, queueSize int, writeTimeout time.Duration) *Bridge {
	return &Bridge{
		publisher:    pub,
		clients:      make(map[string]*Client),
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
	}
}

// Handler returns an echo.HandlerFunc that upgrades the request and
// runs the connection's read and write pumps.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			// Origin checks are the deployment's concern; identity is
			// self-asserted by the join payload anyway.
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Error("Failed to upgrade connection to WebSocket", "error", err)
			return err
		}

		client := &Client{
			ID:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, b.queueSize),
		}

		b.mu.Lock()
		b.clients[client.ID] = client
		b.mu.Unlock()
		slog.Info("Client connected", "conn_id", client.ID)

		go b.writePump(client)
		go b.readPump(client)
		return nil
	}
}

// Send queues a payload for a single connection. A full queue drops the
// connection: it is treated exactly like a disconnect.
func (b *Bridge) Send(connID string, payload []byte) {
	b.mu.RLock()
	client, ok := b.clients[connID]
	b.mu.RUnlock()
	if !ok {
		slog.Debug("Attempted to write to non-existent client", "conn_id", connID)
		return
	}

	if !client.SendMessage(payload) {
		slog.Warn("Client send channel full, connection dropped", "conn_id", connID)
		b.drop(client)
	}
}

// drop removes a client and publishes its disconnect so presence is
// cleaned up through the same path a normal close takes.
func (b *Bridge) drop(client *Client) {
	b.mu.Lock()
	_, present := b.clients[client.ID]
	delete(b.clients, client.ID)
	b.mu.Unlock()

	if !present {
		return
	}
	client.close()
	// Off this goroutine: publishes block until the router acks, and
	// drop can be reached from the router's own fan-out when a slow
	// consumer fills its queue.
	go b.publishDisconnect(client.ID)
}

func (b *Bridge) publishDisconnect(connID string) {
	if err := b.publisher.Publish(context.Background(), DisconnectMessage(connID)); err != nil {
		slog.Error("Failed to publish disconnect", "conn_id", connID, "error", err)
	}
}

// readPump reads frames from the connection and publishes them inbound.
func (b *Bridge) readPump(client *Client) {
	defer func() {
		b.drop(client)
		client.conn.Close(websocket.StatusNormalClosure, "Client disconnected")
	}()

	for {
		_, message, err := client.conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				slog.Info("WebSocket closed normally by client", "conn_id", client.ID)
			} else if err != io.EOF {
				slog.Error("WebSocket read error", "conn_id", client.ID, "error", err)
			}
			return
		}

		// Reject frames that do not even parse as an envelope; everything
		// else (including unknown kinds) is the router's call.
		if !json.Valid(message) {
			slog.Warn("Dropping non-JSON frame", "conn_id", client.ID)
			continue
		}

		msg := pubsub.Message{
			Topic:   TopicEventsInbound,
			ConnID:  client.ID,
			Payload: message,
			Metadata: map[string]string{
				"received_at": time.Now().UTC().Format(time.RFC3339Nano),
			},
		}
		if err := b.publisher.Publish(context.Background(), msg); err != nil {
			slog.Error("Failed to publish incoming client message", "conn_id", client.ID, "error", err)
		}
	}
}

// writePump drains the client's send queue onto the connection.
func (b *Bridge) writePump(client *Client) {
	defer client.conn.Close(websocket.StatusNormalClosure, "Server-side cleanup")

	for message := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			slog.Error("WebSocket write error", "conn_id", client.ID, "error", err)
			return
		}
	}
}

// SendEvent encodes an event and queues it for one connection.
func (b *Bridge) SendEvent(connID, event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		slog.Error("Failed to encode outbound event", "event", event, "error", err)
		return
	}
	b.Send(connID, payload)
}
