package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Client-to-server event kinds. The set is closed: anything else is
// rejected by DecodeClientEvent.
const (
	EventJoin           = "join"
	EventSendMessage    = "send_message"
	EventPrivateMessage = "private_message"
	EventTyping         = "typing"
)

// Server-to-client event kinds.
const (
	EventReceiveMessage = "receive_message"
	EventMessageAck     = "message_ack"
	EventActiveUsers    = "active_users"
	EventUserEvent      = "user_event"
)

// ErrUnknownEvent is returned when an envelope names an event kind
// outside the closed set above.
var ErrUnknownEvent = errors.New("protocol: unknown event kind")

// ErrEmptyContent is returned when a send carries neither text, image
// nor voice content. Empty sends are rejected at the boundary.
var ErrEmptyContent = errors.New("protocol: message has no content")

// Envelope is the wire frame for every event on the real-time channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Join announces a participant's identity for the current connection.
type Join struct {
	Name   string `json:"name" validate:"required"`
	Room   string `json:"room" validate:"required"`
	Avatar string `json:"avatar,omitempty"`
}

// SendMessage is a room-broadcast send. Room may be empty, in which case
// the server falls back to the room the sender joined.
type SendMessage struct {
	Room     string `json:"room,omitempty"`
	Message  string `json:"message,omitempty"`
	Image    string `json:"image,omitempty"`
	Voice    string `json:"voice,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// PrivateMessage is a one-to-one send addressed by recipient name.
type PrivateMessage struct {
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient" validate:"required"`
	Message   string `json:"message,omitempty"`
	Image     string `json:"image,omitempty"`
	Voice     string `json:"voice,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// Typing is an ephemeral signal, relayed and never persisted.
type Typing struct {
	Username string `json:"username" validate:"required"`
	Room     string `json:"room" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

// Message is the full record delivered on receive_message and stored in
// the history log. At least one of Message/Image/Voice is populated;
// senders usually fill a single arm but multi-arm payloads pass through
// unchanged.
type Message struct {
	Sender    string    `json:"sender"`
	Avatar    string    `json:"avatar,omitempty"`
	Room      string    `json:"room"`
	Recipient string    `json:"recipient,omitempty"`
	Message   string    `json:"message,omitempty"`
	Image     string    `json:"image,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Private   bool      `json:"private"`
	ClientID  string    `json:"clientId,omitempty"`
}

// HasContent reports whether at least one arm of the content union is
// populated.
func (m Message) HasContent() bool {
	return m.Message != "" || m.Image != "" || m.Voice != ""
}

// TypingNotice is the relayed form of Typing: the room is implied by
// the receiving connection's membership.
type TypingNotice struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// MessageAck confirms a send back to its originating connection only.
type MessageAck struct {
	ClientID string `json:"clientId"`
}

// UserEvent announces a join or leave to the rest of the room.
type UserEvent struct {
	Type string `json:"type"`
	User string `json:"user"`
}

const (
	UserEventJoin  = "join"
	UserEventLeave = "leave"
)

var validate = validator.New()

// DecodeClientEvent parses a raw frame into one of the client event
// structs. Unknown kinds yield ErrUnknownEvent; known kinds with
// payloads that fail validation yield a descriptive error. Sends with
// an empty content union are rejected here, before they reach the
// router.
func DecodeClientEvent(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}

	switch env.Event {
	case EventJoin:
		var j Join
		if err := decode(env.Data, &j); err != nil {
			return env.Event, nil, err
		}
		return env.Event, j, nil

	case EventSendMessage:
		var s SendMessage
		if err := decode(env.Data, &s); err != nil {
			return env.Event, nil, err
		}
		if s.Message == "" && s.Image == "" && s.Voice == "" {
			return env.Event, nil, ErrEmptyContent
		}
		return env.Event, s, nil

	case EventPrivateMessage:
		var p PrivateMessage
		if err := decode(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		if p.Message == "" && p.Image == "" && p.Voice == "" {
			return env.Event, nil, ErrEmptyContent
		}
		return env.Event, p, nil

	case EventTyping:
		var t Typing
		if err := decode(env.Data, &t); err != nil {
			return env.Event, nil, err
		}
		return env.Event, t, nil

	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: malformed payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("protocol: invalid payload: %w", err)
	}
	return nil
}

// ServerEvent is a decoded server-to-client frame. Exactly one field
// besides Kind is meaningful, selected by Kind.
type ServerEvent struct {
	Kind      string
	Message   Message
	Ack       MessageAck
	Users     []string
	Typing    TypingNotice
	UserEvent UserEvent
}

// DecodeServerEvent parses a raw frame into a ServerEvent. Unknown
// kinds yield ErrUnknownEvent.
func DecodeServerEvent(raw []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServerEvent{}, fmt.Errorf("protocol: malformed envelope: %w", err)
	}

	ev := ServerEvent{Kind: env.Event}
	var err error
	switch env.Event {
	case EventReceiveMessage:
		err = json.Unmarshal(env.Data, &ev.Message)
	case EventMessageAck:
		err = json.Unmarshal(env.Data, &ev.Ack)
	case EventActiveUsers:
		err = json.Unmarshal(env.Data, &ev.Users)
	case EventTyping:
		err = json.Unmarshal(env.Data, &ev.Typing)
	case EventUserEvent:
		err = json.Unmarshal(env.Data, &ev.UserEvent)
	default:
		return ServerEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return ServerEvent{}, fmt.Errorf("protocol: malformed %s payload: %w", env.Event, err)
	}
	return ev, nil
}

// Encode wraps an event payload in an Envelope and marshals the frame.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
