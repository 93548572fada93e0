package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"session-notify/internal/domain"
)

const RouteChannel = "notify:route"

// busEnvelope tags a routed notification with the instance that routed it.
type busEnvelope struct {
	Origin       string               `json:"origin"`
	Notification *domain.Notification `json:"notification"`
}

// BusHandler delivers a notification received from another instance.
type BusHandler func(ctx context.Context, n *domain.Notification) error

// RedisBus fans routed notifications out to every instance over Redis pub/sub.
// Messages published by this instance are ignored on receipt.
type RedisBus struct {
	client     goredis.UniversalClient
	instanceID string
	channel    string
}

func NewRedisBus(client goredis.UniversalClient, instanceID string) *RedisBus {
	return &RedisBus{client: client, instanceID: instanceID, channel: RouteChannel}
}

func (b *RedisBus) Publish(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return errors.New("nil notification")
	}
	data, err := json.Marshal(busEnvelope{Origin: b.instanceID, Notification: n})
	if err != nil {
		return fmt.Errorf("failed to encode bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscription is a running bus listener.
type Subscription struct {
	pubsub *goredis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Done is closed once the listener has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	<-s.done
	return err
}

// Subscribe confirms the subscription with the server before returning, then hands
// every foreign message to handler until ctx is canceled or Close is called.
func (b *RedisBus) Subscribe(ctx context.Context, handler BusHandler) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	msgs := pubsub.Channel()

	slog.Info("subscribed to notification bus",
		slog.String("channel", b.channel),
		slog.String("instance_id", b.instanceID))

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				sub.once.Do(func() { _ = pubsub.Close() })
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				b.dispatch(ctx, msg.Payload, handler)
			}
		}
	}()
	return sub, nil
}

func (b *RedisBus) dispatch(ctx context.Context, payload string, handler BusHandler) {
	var env busEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Notification == nil {
		slog.Warn("discarding malformed bus message",
			slog.String("channel", b.channel),
			slog.Int("size", len(payload)))
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	if err := handler(ctx, env.Notification); err != nil {
		slog.Warn("bus delivery failed",
			slog.String("notification_id", env.Notification.ID),
			slog.String("origin", env.Origin),
			slog.String("error", err.Error()))
	}
}
