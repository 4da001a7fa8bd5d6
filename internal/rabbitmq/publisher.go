// Package rabbitmq publishes JSON documents (gateway events, audit records and
// client notifications) to a topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/telemetry"
)

const (
	ModeAMQP = "amqp"
	ModeNoop = "noop"
)

// Publisher publishes JSON events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher connects to the broker and declares exchange. Any failure on
// the way degrades to a publisher that only logs, so callers never need to
// special-case a missing broker.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		return fallback("empty amqp url")
	}
	conn, ch, err := open(amqpURL, exchange)
	if err != nil {
		return fallback(err.Error())
	}
	log.Printf("rabbitmq connected exchange=%s", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, now: time.Now}
}

func open(amqpURL, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	return conn, ch, nil
}

func fallback(reason string) Publisher {
	log.Printf("rabbitmq disabled, using noop: %s", reason)
	return noopPublisher{reason: reason}
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	now      func() time.Time
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	msg, err := publishing(event, p.now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return amqp.ErrClosed
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		log.Printf("rabbitmq publish failed routing_key=%s: %v", routingKey, err)
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// publishing encodes event as a persistent JSON message. Envelope headers
// become AMQP headers and notifications carry their id as the message id.
func publishing(event any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	}
	switch e := event.(type) {
	case observability.EventEnvelope:
		if len(e.Headers) > 0 {
			msg.Headers = amqp.Table{}
			for k, v := range e.Headers {
				msg.Headers[k] = v
			}
		}
	case models.Notification:
		msg.MessageId = e.ID
		msg.Type = e.Kind
	case telemetry.AuditEnvelope:
		msg.Type = e.EventType
	}
	return msg, nil
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	log.Printf("rabbitmq noop publish routing_key=%s %s", routingKey, describe(event))
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// describe renders the identifying fields of an event for the noop log line.
func describe(event any) string {
	switch e := event.(type) {
	case telemetry.AuditEnvelope:
		return fmt.Sprintf("event_type=%s service=%s request_id=%s", e.EventType, e.Service, e.RequestID)
	case observability.EventEnvelope:
		return fmt.Sprintf("event_type=%s event_name=%s", e.EventType, e.EventName)
	case models.Notification:
		return fmt.Sprintf("notification=%s conversation_id=%s", e.ID, e.ConversationID)
	}
	return fmt.Sprintf("type=%T", event)
}

// PublisherMode reports whether p talks to a broker.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return ModeAMQP
	case noopPublisher:
		return ModeNoop
	}
	return "unknown"
}

// PublisherNoopReason explains why p fell back to logging, if it did.
func PublisherNoopReason(p Publisher) string {
	if np, ok := p.(noopPublisher); ok {
		return np.reason
	}
	return ""
}
