package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// WatermillBridge implements the Publisher and Subscriber interfaces using
// watermill's GoChannel.
type WatermillBridge struct {
	pub message.Publisher
	sub message.Subscriber
	// Logger for watermill to use
	logger watermill.LoggerAdapter
}

const (
	// Metadata keys used to transfer our Message structure fields through
	// watermill's message.
	metaKeyConnID = "conn_id"
	metaKeyTopic  = "topic"
)

// NewWatermillBridge initializes an in-memory Pub/Sub system.
func NewWatermillBridge() *WatermillBridge {
	logger := watermill.NewStdLogger(false, false)
	// A non-blocking GoChannel hands every published message to its own
	// goroutine, so two sequential publishes can reach the subscriber in
	// either order. Blocking until the subscriber acks is what makes
	// publish order the delivery order, which the rest of the system
	// depends on: a connection's frames must be handled in the order the
	// connection sent them.
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)

	return &WatermillBridge{
		pub:    goChannel,
		sub:    goChannel,
		logger: logger,
	}
}

// mapToWatermillMessage converts our pubsub.Message to a watermill message.
func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)

	wmMsg.Metadata.Set(metaKeyConnID, msg.ConnID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)

	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}

	return wmMsg
}

// mapToPubSubMessage converts a watermill message back to our internal pubsub.Message.
func mapToPubSubMessage(wmMsg *message.Message) Message {
	connID := wmMsg.Metadata.Get(metaKeyConnID)
	topic := wmMsg.Metadata.Get(metaKeyTopic)

	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeyConnID && k != metaKeyTopic {
			metadata[k] = v
		}
	}

	return Message{
		Topic:    topic,
		ConnID:   connID,
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	wmMsg := mapToWatermillMessage(msg)
	return wb.pub.Publish(msg.Topic, wmMsg)
}

// Subscribe implements the Subscriber interface. The handler is invoked
// for one message at a time and, because publishes block until the
// subscriber acks, in publish order. That is what lets a single inbound
// subscription serialize registry mutations and log appends.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wmMsg := range messages {
			msg := mapToPubSubMessage(wmMsg)

			if err := handler(ctx, msg); err != nil {
				// Acknowledge anyway: GoChannel redelivers on Nack, and a
				// frame that failed once will fail forever.
				slog.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			wmMsg.Ack()
		}
		slog.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close implements the Publisher and Subscriber interface to shut down the bridge.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
