// Package mq implements the work queue adapter: the single logical stream
// of delivery tasks flowing from ingestion to the dispatch consumer, with
// at-least-once delivery and native delayed redelivery.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayhook/webhookd/internal/ids"
)

// SentMessage is the only task kind the queue carries today: "attempt
// number `Attempt` of message `MessageID` is ready to be sent".
type SentMessage struct {
	MessageID ids.MessageID `json:"message_id"`
	Attempt   int           `json:"attempt"`
}

// taskTag is the "t" discriminator of the externally-tagged envelope. It is
// an unexported constant rather than a type to leave room for future task
// kinds without breaking callers that only know about SentMessage.
const taskTag = "SentMessage"

// envelope is the wire representation `{"t":"SentMessage","c":{...}}`.
type envelope struct {
	Tag     string          `json:"t"`
	Content json.RawMessage `json:"c"`
}

// Encode serializes msg into the externally-tagged envelope.
func Encode(msg SentMessage) ([]byte, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mq: encoding SentMessage: %w", err)
	}
	return json.Marshal(envelope{Tag: taskTag, Content: content})
}

// Decode parses the externally-tagged envelope, rejecting any tag other
// than SentMessage since that is the only task kind this adapter knows how
// to route today.
func Decode(body []byte) (SentMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return SentMessage{}, fmt.Errorf("mq: decoding envelope: %w", err)
	}
	if env.Tag != taskTag {
		return SentMessage{}, fmt.Errorf("mq: unknown task tag %q", env.Tag)
	}
	var msg SentMessage
	if err := json.Unmarshal(env.Content, &msg); err != nil {
		return SentMessage{}, fmt.Errorf("mq: decoding SentMessage content: %w", err)
	}
	return msg, nil
}

// Delivery is one task handed to a consumer, paired with its ack handle.
type Delivery struct {
	Task SentMessage
	// Ack removes the task from the queue. Not calling it (e.g. because
	// the process crashes first) causes at-least-once redelivery.
	Ack func() error
	// Nack signals the broker the task was not processed and may be
	// redelivered immediately (used for transient handler failures that
	// are not a reason to apply the retry policy's delay).
	Nack func(requeue bool) error
}

// Publisher enqueues delivery tasks.
type Publisher interface {
	// Publish enqueues task for immediate delivery.
	Publish(ctx context.Context, task SentMessage) error
	// PublishDelayed enqueues task so it becomes visible to consumers no
	// earlier than now+delay.
	PublishDelayed(ctx context.Context, task SentMessage, delay time.Duration) error
}

// Consumer receives delivery tasks.
type Consumer interface {
	// Consume returns a channel of deliveries. For AMQPAdapter the channel
	// closes when ctx is cancelled or the underlying connection is closed;
	// Memory's channel closes only when Memory.Close is called.
	Consume(ctx context.Context) (<-chan Delivery, error)
}
