package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/utils"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Notification kinds
const (
	KindVerifyEmail   = "verify_email"
	KindPasswordReset = "password_reset"
)

// Notification is an outbound message to a user. Delivery is simulated: the
// configured Notifier hands it to a log, a broker queue or a Redis stream.
type Notification struct {
	Kind      string    `json:"kind"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt int64     `json:"expiresAt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notifier delivers notifications. Failures never fail the auth operation
// that produced them.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	entry := l.logger.WithFields(logrus.Fields{
		"kind":  n.Kind,
		"email": utils.MaskEmail(n.Email),
	})
	entry.Info("Notification sent")
	if n.Token != "" {
		entry.WithField("token", n.Token).Debug("Notification token")
	}
	metrics.RecordNotification("log", "sent")
	return nil
}

// amqpChannel is the part of *amqp.Channel the publisher uses
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func(url string) (amqpChannel, func() error, error)

func dialAMQP(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	return ch, conn.Close, nil
}

// AMQPNotifier publishes notifications as persistent JSON messages on a
// durable queue. A connection is opened per message.
type AMQPNotifier struct {
	url    string
	queue  string
	logger *logrus.Logger
	dial   amqpDialer
}

func NewAMQPNotifier(url, queue string, logger *logrus.Logger) *AMQPNotifier {
	return &AMQPNotifier{url: url, queue: queue, logger: logger, dial: dialAMQP}
}

func (a *AMQPNotifier) Notify(ctx context.Context, n Notification) error {
	err := a.publish(ctx, n)
	if err != nil {
		metrics.RecordNotification("amqp", "failed")
		return fmt.Errorf("publish to %s: %w", a.queue, err)
	}
	metrics.RecordNotification("amqp", "sent")
	a.logger.WithFields(logrus.Fields{
		"kind":  n.Kind,
		"queue": a.queue,
	}).Debug("Notification published")
	return nil
}

func (a *AMQPNotifier) publish(ctx context.Context, n Notification) error {
	ch, closeConn, err := a.dial(a.url)
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
		_ = closeConn()
	}()

	// Durable so messages survive broker restarts
	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.CreatedAt.UTC(),
		Type:         n.Kind,
		Body:         body,
	}

	// Default exchange, routing key = queue name
	if err := ch.PublishWithContext(ctx, "", a.queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}
