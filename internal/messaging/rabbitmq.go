package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	FallbackExchange = "notify.fallback"

	EmailQueue = "fallback.email"
	SMSQueue   = "fallback.sms"

	RouteEmail = "fallback.email"
	RouteSMS   = "fallback.sms"
)

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	pubMu   sync.Mutex
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry dials url with exponential backoff until ctx expires.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // bounded by ctx

	var rmq *RabbitMQ
	attempt := 0
	operation := func() error {
		attempt++
		conn, err := NewRabbitMQ(url)
		if err != nil {
			slog.Warn("rabbitmq not ready",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return err
		}
		rmq = conn
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}
	slog.Info("connected to rabbitmq", slog.Int("attempts", attempt))
	return rmq, nil
}

func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		FallbackExchange, // name
		"topic",          // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	); err != nil {
		return fmt.Errorf("failed to declare fallback exchange: %w", err)
	}

	for queue, key := range map[string]string{EmailQueue: RouteEmail, SMSQueue: RouteSMS} {
		if _, err := r.channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("failed to declare %s queue: %w", queue, err)
		}

		if err := r.channel.QueueBind(
			queue,            // queue name
			key,              // routing key
			FallbackExchange, // exchange
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to bind %s queue: %w", queue, err)
		}
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

// Publish sends a persistent JSON message to the fallback exchange.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	err := r.channel.PublishWithContext(
		ctx,
		FallbackExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return nil
}

// Consume starts a manual-ack consumer on queue.
func (r *RabbitMQ) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := r.channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	msgs, err := r.channel.Consume(
		queue,
		"",
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer on %s: %w", queue, err)
	}
	return msgs, nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			slog.Warn("failed to close rabbitmq channel", slog.String("error", err.Error()))
		}
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
