// Package broker publishes processing-lifecycle notifications to
// RabbitMQ so downstream tooling (alerting, audit) can subscribe without
// touching the key-value store. The notifier is optional: a nil *Notifier
// is a no-op for every publish.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
)

const (
	// Exchange receives every lifecycle notification.
	Exchange = "mark.events"

	// Routing keys per notification kind.
	EventProcessedKey    = "event.processed"
	EventDeadLetteredKey = "event.dead_lettered"
)

// Connect dials RabbitMQ and declares the notification exchange. The
// returned close function releases the channel then the connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare %s exchange: %w", Exchange, err)
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

// Notifier publishes lifecycle notices. Publish failures are logged,
// never propagated; event processing does not depend on the broker.
type Notifier struct {
	ch     *amqp.Channel
	logger *zap.Logger
	now    func() time.Time
}

// NewNotifier wraps an AMQP channel from Connect.
func NewNotifier(ch *amqp.Channel, logger *zap.Logger) *Notifier {
	return &Notifier{ch: ch, logger: logger, now: time.Now}
}

type notice struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventProcessed announces a successfully acknowledged event.
func (n *Notifier) EventProcessed(ctx context.Context, e *events.QueuedEvent) {
	if n == nil {
		return
	}
	n.publish(ctx, EventProcessedKey, notice{
		EventID:   e.ID,
		EventType: string(e.Type),
		Timestamp: n.now().UnixMilli(),
	})
}

// EventDeadLettered announces an event parked in the dead-letter queue.
func (n *Notifier) EventDeadLettered(ctx context.Context, e *events.QueuedEvent, errText string) {
	if n == nil {
		return
	}
	n.publish(ctx, EventDeadLetteredKey, notice{
		EventID:   e.ID,
		EventType: string(e.Type),
		Error:     errText,
		Timestamp: n.now().UnixMilli(),
	})
}

func (n *Notifier) publish(ctx context.Context, key string, msg notice) {
	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to serialize broker notice", zap.Error(err))
		return
	}
	err = n.ch.PublishWithContext(
		ctx,
		Exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		n.logger.Error("failed to publish broker notice",
			zap.String("routing_key", key),
			zap.String("event_id", msg.EventID),
			zap.Error(err),
		)
	}
}
