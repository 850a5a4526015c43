package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/relay/internal/history"
	"github.com/nfrund/relay/internal/presence"
	"github.com/nfrund/relay/internal/protocol"
	"github.com/nfrund/relay/internal/pubsub"
	"github.com/nfrund/relay/internal/router"
	"github.com/nfrund/relay/internal/websocket"
)

// recordingEmitter captures every event the router emits, per connection.
type recordingEmitter struct {
	mu     sync.Mutex
	events map[string][]emitted
}

type emitted struct {
	event string
	data  any
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{events: make(map[string][]emitted)}
}

func (e *recordingEmitter) SendEvent(connID, event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[connID] = append(e.events[connID], emitted{event: event, data: data})
}

func (e *recordingEmitter) byKind(connID, kind string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, ev := range e.events[connID] {
		if ev.event == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = make(map[string][]emitted)
}

type fixture struct {
	registry *presence.Registry
	log      history.Log
	emitter  *recordingEmitter
	router   *router.Router
}

func newFixture(t *testing.T, opts ...router.Option) *fixture {
	t.Helper()
	log, err := history.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	registry := presence.NewRegistry()
	emitter := newRecordingEmitter()
	return &fixture{
		registry: registry,
		log:      log,
		emitter:  emitter,
		router:   router.New(registry, log, emitter, opts...),
	}
}

func (f *fixture) handle(t *testing.T, connID, frame string) {
	t.Helper()
	err := f.router.Handle(context.Background(), pubsub.Message{
		Topic:   "chat.events.inbound",
		ConnID:  connID,
		Payload: []byte(frame),
	})
	require.NoError(t, err)
}

func (f *fixture) join(t *testing.T, connID, name, room string) {
	t.Helper()
	f.handle(t, connID, `{"event":"join","data":{"name":"`+name+`","room":"`+room+`"}}`)
}

func (f *fixture) disconnect(t *testing.T, connID string) {
	t.Helper()
	require.NoError(t, f.router.Handle(context.Background(), websocket.DisconnectMessage(connID)))
}

func TestRouter_JoinBroadcastsRosterAndUserEvent(t *testing.T) {
	f := newFixture(t)

	f.join(t, "conn-a", "A", "general")
	f.join(t, "conn-b", "B", "general")

	// B's join: user_event goes to A only, roster to both.
	userEvents := f.emitter.byKind("conn-a", protocol.EventUserEvent)
	require.Len(t, userEvents, 1)
	assert.Equal(t, protocol.UserEvent{Type: protocol.UserEventJoin, User: "B"}, userEvents[0].data)

	assert.Empty(t, f.emitter.byKind("conn-b", protocol.EventUserEvent),
		"the joiner already knows its own state change")

	rosters := f.emitter.byKind("conn-b", protocol.EventActiveUsers)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"A", "B"}, rosters[0].data)
}

func TestRouter_SendMessageScenario(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.join(t, "conn-b", "B", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"hi","clientId":"c1"}}`)

	// Both A and B receive the message, sender included.
	for _, conn := range []string{"conn-a", "conn-b"} {
		received := f.emitter.byKind(conn, protocol.EventReceiveMessage)
		require.Len(t, received, 1, "connection %s", conn)
		msg := received[0].data.(protocol.Message)
		assert.Equal(t, "A", msg.Sender)
		assert.Equal(t, "general", msg.Room)
		assert.Equal(t, "hi", msg.Message)
		assert.False(t, msg.Private)
		assert.False(t, msg.Timestamp.IsZero(), "timestamp is assigned at router arrival")
	}

	// Exactly one ack, to the sender alone, carrying the clientId.
	acks := f.emitter.byKind("conn-a", protocol.EventMessageAck)
	require.Len(t, acks, 1)
	assert.Equal(t, protocol.MessageAck{ClientID: "c1"}, acks[0].data)
	assert.Empty(t, f.emitter.byKind("conn-b", protocol.EventMessageAck))

	// The message landed in the log.
	page, err := f.log.Page("general", time.Time{}, 20)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "hi", page[0].Message)

	// B disconnects; A's next roster broadcast is just A.
	f.emitter.reset()
	f.disconnect(t, "conn-b")

	rosters := f.emitter.byKind("conn-a", protocol.EventActiveUsers)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"A"}, rosters[0].data)

	leaves := f.emitter.byKind("conn-a", protocol.EventUserEvent)
	require.Len(t, leaves, 1)
	assert.Equal(t, protocol.UserEvent{Type: protocol.UserEventLeave, User: "B"}, leaves[0].data)
}

func TestRouter_SendWithoutClientIDYieldsNoAck(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"hi"}}`)

	assert.Len(t, f.emitter.byKind("conn-a", protocol.EventReceiveMessage), 1)
	assert.Empty(t, f.emitter.byKind("conn-a", protocol.EventMessageAck))
}

func TestRouter_PrivateMessageToOfflineRecipient(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"private_message","data":{"recipient":"ghost","message":"hello?","clientId":"c9"}}`)

	// Sender-only echo, and still a matching ack.
	received := f.emitter.byKind("conn-a", protocol.EventReceiveMessage)
	require.Len(t, received, 1)
	msg := received[0].data.(protocol.Message)
	assert.True(t, msg.Private)
	assert.Equal(t, "ghost", msg.Recipient)

	acks := f.emitter.byKind("conn-a", protocol.EventMessageAck)
	require.Len(t, acks, 1)
	assert.Equal(t, protocol.MessageAck{ClientID: "c9"}, acks[0].data)
}

func TestRouter_PrivateMessageDeliveredToRecipientAndSender(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.join(t, "conn-b", "B", "general")
	f.join(t, "conn-c", "C", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"private_message","data":{"recipient":"B","message":"psst","clientId":"c2"}}`)

	for _, conn := range []string{"conn-a", "conn-b"} {
		received := f.emitter.byKind(conn, protocol.EventReceiveMessage)
		require.Len(t, received, 1, "connection %s", conn)
		assert.True(t, received[0].data.(protocol.Message).Private)
	}
	assert.Empty(t, f.emitter.byKind("conn-c", protocol.EventReceiveMessage),
		"no room-wide fan-out for private messages")

	// Private messages never show up in room history.
	page, err := f.log.Page("general", time.Time{}, 20)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestRouter_TypingRelayExcludesSender(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.join(t, "conn-b", "B", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"typing","data":{"username":"A","room":"general","isTyping":true}}`)

	notices := f.emitter.byKind("conn-b", protocol.EventTyping)
	require.Len(t, notices, 1)
	assert.Equal(t, protocol.TypingNotice{Username: "A", IsTyping: true}, notices[0].data)

	assert.Empty(t, f.emitter.byKind("conn-a", protocol.EventTyping))

	// Typing is a pure relay: nothing is persisted.
	page, err := f.log.Page("general", time.Time{}, 20)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestRouter_EmptySendIsRejected(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"send_message","data":{"room":"general"}}`)

	assert.Empty(t, f.emitter.byKind("conn-a", protocol.EventReceiveMessage))
	page, err := f.log.Page("general", time.Time{}, 20)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestRouter_UnknownEventIsDropped(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.emitter.reset()

	f.handle(t, "conn-a", `{"event":"launch_missiles","data":{}}`)

	assert.Empty(t, f.emitter.events, "nothing is emitted for unknown kinds")
}

func TestRouter_DisconnectOfUnknownConnectionIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.emitter.reset()

	f.disconnect(t, "conn-ghost")

	assert.Empty(t, f.emitter.events)
}

func TestRouter_WireDisconnectFrameCannotEvictPresence(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.join(t, "conn-b", "B", "general")
	f.emitter.reset()

	// A client sending the literal frame is just an unknown kind; only
	// the bridge can mark a disconnect, via message metadata.
	f.handle(t, "conn-b", `{"event":"disconnect"}`)

	assert.Empty(t, f.emitter.events, "forged disconnect must be dropped")
	assert.Equal(t, []string{"A", "B"}, f.registry.Roster("general"))

	// B is still a live participant: its sends keep its identity.
	f.handle(t, "conn-b", `{"event":"send_message","data":{"message":"still here"}}`)
	received := f.emitter.byKind("conn-a", protocol.EventReceiveMessage)
	require.Len(t, received, 1)
	assert.Equal(t, "B", received[0].data.(protocol.Message).Sender)
}

func TestRouter_AnonymousSenderFallback(t *testing.T) {
	f := newFixture(t)
	f.join(t, "conn-a", "A", "general")
	f.emitter.reset()

	// A connection that never joined sends to an explicit room.
	f.handle(t, "conn-x", `{"event":"send_message","data":{"room":"general","message":"drive-by"}}`)

	received := f.emitter.byKind("conn-a", protocol.EventReceiveMessage)
	require.Len(t, received, 1)
	assert.Equal(t, "Anonymous", received[0].data.(protocol.Message).Sender)
}

func TestRouter_TimestampsAreStrictlyIncreasing(t *testing.T) {
	// A clock that goes backwards must not produce out-of-order or
	// duplicate stamps.
	times := []time.Time{
		time.Date(2025, 6, 1, 12, 0, 2, 0, time.UTC),
		time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
		time.Date(2025, 6, 1, 12, 0, 3, 0, time.UTC),
	}
	i := 0
	clock := func() time.Time {
		ts := times[i%len(times)]
		i++
		return ts
	}

	f := newFixture(t, router.WithClock(clock))
	f.join(t, "conn-a", "A", "general")

	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"one"}}`)
	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"two"}}`)
	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"three"}}`)

	received := f.emitter.byKind("conn-a", protocol.EventReceiveMessage)
	require.Len(t, received, 3)
	for i := 1; i < len(received); i++ {
		prev := received[i-1].data.(protocol.Message).Timestamp
		cur := received[i].data.(protocol.Message).Timestamp
		assert.True(t, cur.After(prev), "timestamps must be strictly increasing")
	}
}

func TestRouter_StalledClockKeepsEveryMessageReachableByPaging(t *testing.T) {
	// The history cursor pages with a strict less-than on timestamp. Two
	// messages stamped at the same instant would leave the second one
	// unreachable, so a frozen clock still has to yield distinct stamps.
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, router.WithClock(func() time.Time { return frozen }))
	f.join(t, "conn-a", "A", "general")

	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"first"}}`)
	f.handle(t, "conn-a", `{"event":"send_message","data":{"message":"second"}}`)

	newest, err := f.log.Page("general", time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "second", newest[0].Message)

	older, err := f.log.Page("general", newest[0].Timestamp, 1)
	require.NoError(t, err)
	require.Len(t, older, 1, "the twin message must stay reachable")
	assert.Equal(t, "first", older[0].Message)
}
