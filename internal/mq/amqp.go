package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	sentMessageExchange = "sent-message-exchange"
	exchangeKind        = "x-delayed-message"
)

// AMQPConfig holds the connection and topology parameters for the RabbitMQ
// adapter (spec §6's AMQP_* environment variables).
type AMQPConfig struct {
	Host             string
	Port             string
	User             string
	Password         string
	SentMessageQueue string
}

func (c AMQPConfig) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.User, c.Password, c.Host, c.Port)
}

// AMQPAdapter implements Publisher and Consumer over a single RabbitMQ
// connection, using the exchange type "x-delayed-message" (provided by the
// rabbitmq-delayed-message-exchange plugin) to realize PublishDelayed
// natively via the per-message "x-delay" header.
type AMQPAdapter struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	// amqp091-go channels are not safe for concurrent Publish calls; every
	// publish is serialized through this mutex.
	mu sync.Mutex
}

// Dial connects to RabbitMQ and declares the delayed-message exchange and
// the single work queue, binding the queue to the exchange.
func Dial(cfg AMQPConfig) (*AMQPAdapter, error) {
	conn, err := amqp.Dial(cfg.url())
	if err != nil {
		return nil, fmt.Errorf("mq: dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mq: opening channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		sentMessageExchange,
		exchangeKind,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("mq: declaring exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.SentMessageQueue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("mq: declaring queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, q.Name, sentMessageExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("mq: binding queue: %w", err)
	}

	return &AMQPAdapter{conn: conn, channel: ch, queue: q.Name}, nil
}

// Close tears down the channel and connection.
func (a *AMQPAdapter) Close() error {
	a.channel.Close()
	return a.conn.Close()
}

// Ping reports whether the underlying connection is still open, used by the
// HTTP health check handler. ctx is accepted for interface symmetry with
// storage.Store.Ping; the check itself is a local, non-blocking state read.
func (a *AMQPAdapter) Ping(ctx context.Context) error {
	if a.conn.IsClosed() {
		return fmt.Errorf("mq: amqp connection is closed")
	}
	return nil
}

func (a *AMQPAdapter) publish(ctx context.Context, task SentMessage, delay time.Duration) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}
	if delay > 0 {
		publishing.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.PublishWithContext(ctx, sentMessageExchange, a.queue, false, false, publishing)
}

// Publish enqueues task for immediate delivery.
func (a *AMQPAdapter) Publish(ctx context.Context, task SentMessage) error {
	return a.publish(ctx, task, 0)
}

// PublishDelayed enqueues task via the exchange's native x-delay header.
func (a *AMQPAdapter) PublishDelayed(ctx context.Context, task SentMessage, delay time.Duration) error {
	return a.publish(ctx, task, delay)
}

// Consume starts consuming from the adapter's queue, decoding each delivery
// and forwarding it on the returned channel. Decode failures are nacked
// without requeue (a malformed task can never become well-formed by
// retrying) and are not forwarded to the caller.
func (a *AMQPAdapter) Consume(ctx context.Context) (<-chan Delivery, error) {
	deliveries, err := a.channel.ConsumeWithContext(ctx, a.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("mq: consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				task, err := Decode(d.Body)
				if err != nil {
					d.Nack(false, false)
					continue
				}
				delivery := d
				out <- Delivery{
					Task: task,
					Ack:  func() error { return delivery.Ack(false) },
					Nack: func(requeue bool) error { return delivery.Nack(false, requeue) },
				}
			}
		}
	}()
	return out, nil
}
