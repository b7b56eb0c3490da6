package notify

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"library-ledger/library"
)

// publisher is the part of *amqp.Channel the AMQPPublisher needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher puts every event on a durable RabbitMQ queue as a persistent
// JSON message. A chat bridge consumes the queue and renders the messages.
type AMQPPublisher struct {
	conn    *amqp.Connection
	ch      publisher
	queue   string
	routing Routing
	timeout time.Duration
	now     func() time.Time
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string, routing Routing, timeout time.Duration) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare %s: %w", queue, err)
	}
	p := newAMQPPublisher(ch, queue, routing, timeout)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch publisher, queue string, routing Routing, timeout time.Duration) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, queue: queue, routing: routing, timeout: timeout, now: time.Now}
}

// Notify publishes e through the default exchange.
func (p *AMQPPublisher) Notify(ctx context.Context, e library.Event) error {
	env, err := NewEnvelope(e, p.routing, p.now())
	if err != nil {
		return fmt.Errorf("rabbitmq: encode %s: %w", e.EventType(), err)
	}
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("rabbitmq: encode %s: %w", e.EventType(), err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", env.Type, err)
	}
	return nil
}

// Close shuts the channel and the connection.
func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
