package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nfrund/relay/internal/history"
	"github.com/nfrund/relay/internal/presence"
	"github.com/nfrund/relay/internal/protocol"
	"github.com/nfrund/relay/internal/pubsub"
	"github.com/nfrund/relay/internal/websocket"
)

// Emitter is the slice of the connection bridge the router needs:
// encode an event and queue it for a single connection.
type Emitter interface {
	SendEvent(connID, event string, data any)
}

// Router determines the audience for every inbound event and emits to
// each member exactly once. It consumes a single subscription on the
// inbound topic, so registry mutations and log appends are serialized
// and events stay FIFO per source connection.
type Router struct {
	registry *presence.Registry
	log      history.Log
	emitter  Emitter
	logger   *slog.Logger

	// lastStamp enforces strictly increasing timestamps. Only touched
	// from the single handler goroutine.
	lastStamp time.Time
	now       func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// New creates a Router over the given registry, log and emitter.
func New(registry *presence.Registry, log history.Log, emitter Emitter, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		log:      log,
		emitter:  emitter,
		logger:   slog.Default().With("service", "router"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes the router to the inbound event stream. It returns
// once the subscription is active.
func (r *Router) Start(ctx context.Context, sub pubsub.Subscriber) error {
	return sub.Subscribe(ctx, websocket.TopicEventsInbound, r.Handle)
}

// Handle processes one inbound frame. A single connection's failure is
// never fatal: malformed frames are logged and dropped, and errors are
// swallowed after logging so the subscription keeps draining.
func (r *Router) Handle(ctx context.Context, msg pubsub.Message) error {
	if websocket.IsDisconnect(msg) {
		r.handleDisconnect(msg.ConnID)
		return nil
	}

	kind, event, err := protocol.DecodeClientEvent(msg.Payload)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyContent) {
			r.logger.Warn("rejected empty send", "conn_id", msg.ConnID, "event", kind)
		} else {
			r.logger.Warn("dropped malformed event", "conn_id", msg.ConnID, "event", kind, "error", err)
		}
		return nil
	}

	switch e := event.(type) {
	case protocol.Join:
		r.handleJoin(msg.ConnID, e)
	case protocol.SendMessage:
		r.handleSend(msg.ConnID, e)
	case protocol.PrivateMessage:
		r.handlePrivate(msg.ConnID, e)
	case protocol.Typing:
		r.handleTyping(msg.ConnID, e)
	}
	return nil
}

// stamp returns the arrival timestamp for a message. Stamps are
// strictly increasing even if the wall clock stalls or steps backwards:
// the history cursor pages with a strict less-than, so a message
// sharing its predecessor's timestamp would be unreachable.
func (r *Router) stamp() time.Time {
	now := r.now().UTC()
	if !now.After(r.lastStamp) {
		now = r.lastStamp.Add(time.Nanosecond)
	}
	r.lastStamp = now
	return now
}

func (r *Router) handleJoin(connID string, join protocol.Join) {
	roster := r.registry.Join(connID, join.Name, join.Room, join.Avatar)

	// The joiner already knows its own state change; everyone else gets
	// the user_event, then the whole room gets the fresh roster.
	for _, member := range r.registry.Members(join.Room) {
		if member != connID {
			r.emitter.SendEvent(member, protocol.EventUserEvent, protocol.UserEvent{
				Type: protocol.UserEventJoin,
				User: join.Name,
			})
		}
	}
	r.broadcastRoster(join.Room, roster)
}

func (r *Router) handleDisconnect(connID string) {
	p, ok := r.registry.Disconnect(connID)
	if !ok {
		// Already cleaned up, or the connection never joined.
		return
	}

	for _, member := range r.registry.Members(p.Room) {
		r.emitter.SendEvent(member, protocol.EventUserEvent, protocol.UserEvent{
			Type: protocol.UserEventLeave,
			User: p.Name,
		})
	}
	r.broadcastRoster(p.Room, r.registry.Roster(p.Room))
}

func (r *Router) handleSend(connID string, send protocol.SendMessage) {
	sender, ok := r.registry.Lookup(connID)
	room := send.Room
	if room == "" {
		room = sender.Room
	}
	if room == "" {
		r.logger.Warn("send without a room from a connection that never joined", "conn_id", connID)
		return
	}

	name := sender.Name
	if !ok || name == "" {
		name = "Anonymous"
	}

	msg := protocol.Message{
		Sender:    name,
		Avatar:    sender.Avatar,
		Room:      room,
		Message:   send.Message,
		Image:     send.Image,
		Voice:     send.Voice,
		Timestamp: r.stamp(),
		Private:   false,
		ClientID:  send.ClientID,
	}

	if err := r.log.Append(msg); err != nil {
		r.logger.Error("failed to append message to history", "room", room, "error", err)
	}

	// The audience includes the sender: the echo is how it learns the
	// server-assigned timestamp.
	for _, member := range r.registry.Members(room) {
		r.emitter.SendEvent(member, protocol.EventReceiveMessage, msg)
	}

	if send.ClientID != "" {
		r.emitter.SendEvent(connID, protocol.EventMessageAck, protocol.MessageAck{ClientID: send.ClientID})
	}
}

func (r *Router) handlePrivate(connID string, pm protocol.PrivateMessage) {
	sender, _ := r.registry.Lookup(connID)
	name := pm.Sender
	if name == "" {
		name = sender.Name
	}
	if name == "" {
		name = "Anonymous"
	}

	msg := protocol.Message{
		Sender:    name,
		Avatar:    sender.Avatar,
		Room:      sender.Room,
		Recipient: pm.Recipient,
		Message:   pm.Message,
		Image:     pm.Image,
		Voice:     pm.Voice,
		Timestamp: r.stamp(),
		Private:   true,
		ClientID:  pm.ClientID,
	}

	if err := r.log.Append(msg); err != nil {
		r.logger.Error("failed to append private message to history", "error", err)
	}

	// Recipient if reachable, and always the sender's own echo; an
	// offline recipient silently degrades to the echo alone.
	if rcpt, ok := r.registry.ResolveByName(pm.Recipient); ok && rcpt != connID {
		r.emitter.SendEvent(rcpt, protocol.EventReceiveMessage, msg)
	}
	r.emitter.SendEvent(connID, protocol.EventReceiveMessage, msg)

	if pm.ClientID != "" {
		r.emitter.SendEvent(connID, protocol.EventMessageAck, protocol.MessageAck{ClientID: pm.ClientID})
	}
}

// handleTyping relays the signal to everyone else in the room. Nothing
// is retained server-side and nothing is acknowledged.
func (r *Router) handleTyping(connID string, typing protocol.Typing) {
	notice := protocol.TypingNotice{
		Username: typing.Username,
		IsTyping: typing.IsTyping,
	}
	for _, member := range r.registry.Members(typing.Room) {
		if member != connID {
			r.emitter.SendEvent(member, protocol.EventTyping, notice)
		}
	}
}

func (r *Router) broadcastRoster(room string, roster []string) {
	for _, member := range r.registry.Members(room) {
		r.emitter.SendEvent(member, protocol.EventActiveUsers, roster)
	}
}
