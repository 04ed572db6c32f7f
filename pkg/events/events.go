// Package events publishes connection lifecycle changes so downstream
// systems (agent backends, notification services) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange lifecycle events are published to.
const Exchange = "toolgate.connections"

// Kinds of connection an event can describe.
const (
	KindOAuth    = "oauth"
	KindDatabase = "database"
)

// Event is one lifecycle transition.
type Event struct {
	Kind         string    `json:"kind"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider,omitempty"`      // oauth events
	ConnectionID string    `json:"connection_id,omitempty"` // database events
	Status       string    `json:"status"`
	At           time.Time `json:"at"`
}

// RoutingKey is kind.status, e.g. "oauth.active" or "database.error".
func (e Event) RoutingKey() string {
	return e.Kind + "." + e.Status
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ──────────────────────────────────────────────────────────────────────────────
// AMQP publisher
// ──────────────────────────────────────────────────────────────────────────────

// AMQPPublisher publishes to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events.NewAMQPPublisher dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events.NewAMQPPublisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events.NewAMQPPublisher declare: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

// Publish sends one event. Events are fire-and-forget; delivery failures are
// the caller's to log, not to retry.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events.Publish marshal: %w", err)
	}
	err = p.channel.PublishWithContext(ctx, Exchange, e.RoutingKey(), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   e.At,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("events.Publish: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("events.Close channel: %w", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("events.Close connection: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Nop publisher
// ──────────────────────────────────────────────────────────────────────────────

// NopPublisher logs events at debug level and drops them. Used when no
// message broker is configured.
type NopPublisher struct {
	Logger *slog.Logger
}

func (n NopPublisher) Publish(ctx context.Context, e Event) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "event dropped, no publisher configured",
			"kind", e.Kind, "status", e.Status, "user_id", e.UserID)
	}
	return nil
}
