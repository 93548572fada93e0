package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FallbackConsumer reads fallback jobs from the email and SMS queues and hands them
// to a Dispatcher. Failed dispatches are requeued once, then dropped.
type FallbackConsumer struct {
	rmq        *RabbitMQ
	dispatcher Dispatcher
	queues     []string
	prefetch   int
	wg         sync.WaitGroup
}

func NewFallbackConsumer(rmq *RabbitMQ, dispatcher Dispatcher) *FallbackConsumer {
	return &FallbackConsumer{
		rmq:        rmq,
		dispatcher: dispatcher,
		queues:     []string{EmailQueue, SMSQueue},
		prefetch:   16,
	}
}

// Start registers a consumer per queue and processes deliveries until ctx is
// canceled or the broker closes the channel.
func (c *FallbackConsumer) Start(ctx context.Context) error {
	for _, queue := range c.queues {
		msgs, err := c.rmq.Consume(queue, c.prefetch)
		if err != nil {
			return err
		}

		slog.Info("started consuming fallback jobs", slog.String("queue", queue))

		c.wg.Add(1)
		go func(queue string, msgs <-chan amqp.Delivery) {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					slog.Info("stopping fallback consumer", slog.String("queue", queue))
					return
				case msg, ok := <-msgs:
					if !ok {
						slog.Warn("fallback consumer channel closed", slog.String("queue", queue))
						return
					}
					c.handleDelivery(ctx, msg)
				}
			}
		}(queue, msgs)
	}
	return nil
}

// Wait blocks until every consumer goroutine has returned.
func (c *FallbackConsumer) Wait() {
	c.wg.Wait()
}

func (c *FallbackConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var job FallbackJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		slog.Error("error unmarshaling fallback job",
			slog.String("error", err.Error()),
			slog.Int("body_size", len(msg.Body)))
		c.settle(msg, fmt.Errorf("decode: %w", err), false)
		return
	}

	if err := c.dispatcher.Dispatch(ctx, job); err != nil {
		slog.Error("fallback dispatch failed",
			slog.String("job_id", job.ID),
			slog.String("channel", job.Channel),
			slog.Bool("redelivered", msg.Redelivered),
			slog.String("error", err.Error()))
		c.settle(msg, err, !msg.Redelivered)
		return
	}
	c.settle(msg, nil, false)
}

func (c *FallbackConsumer) settle(msg amqp.Delivery, cause error, requeue bool) {
	var err error
	if cause == nil {
		err = msg.Ack(false)
	} else {
		err = msg.Nack(false, requeue)
	}
	if err != nil {
		slog.Warn("failed to settle delivery",
			slog.Uint64("delivery_tag", msg.DeliveryTag),
			slog.String("error", err.Error()))
	}
}
