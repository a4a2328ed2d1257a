// internal/notify/amqp.go
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher is the part of *amqp.Channel the broker notifier needs.
type publisher interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// BrokerNotifier hands messages to a RabbitMQ topic exchange; a separate SMS
// worker consumes them. Routing keys are "sms.<kind>".
type BrokerNotifier struct {
	conn     *amqp.Connection
	channel  publisher
	exchange string

	declareOnce sync.Once
	declareErr  error
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewBrokerNotifier dials the broker and opens a channel.
func NewBrokerNotifier(amqpURL, exchange string) (*BrokerNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	n := newBrokerNotifier(ch, exchange)
	n.conn = conn
	return n, nil
}

func newBrokerNotifier(ch publisher, exchange string) *BrokerNotifier {
	return &BrokerNotifier{channel: ch, exchange: exchange}
}

func (n *BrokerNotifier) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	n.declareOnce.Do(func() {
		n.declareErr = n.channel.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil)
	})
	if n.declareErr != nil {
		return fmt.Errorf("%w: declare exchange %s: %v", ErrDeliveryFailed, n.exchange, n.declareErr)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrDeliveryFailed, err)
	}
	kind := msg.Kind
	if kind == "" {
		kind = "generic"
	}
	err = n.channel.PublishWithContext(ctx, n.exchange, "sms."+kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Close closes the channel and connection.
func (n *BrokerNotifier) Close() {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}
