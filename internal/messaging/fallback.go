package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"

	"github.com/google/uuid"
)

// Channel names carried by fallback jobs.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// FallbackJob is one out-of-band delivery request for a single user and channel.
type FallbackJob struct {
	ID             string                  `json:"id"`
	Channel        string                  `json:"channel"`
	UserID         string                  `json:"user_id"`
	NotificationID string                  `json:"notification_id"`
	Type           domain.NotificationType `json:"type"`
	Priority       domain.Priority         `json:"priority"`
	Title          string                  `json:"title,omitempty"`
	Message        string                  `json:"message"`
	CreatedAt      time.Time               `json:"created_at"`
	QueuedAt       time.Time               `json:"queued_at"`
}

// Publisher sends a message body under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// FallbackPublisher turns exhausted notifications into fallback jobs. CRITICAL goes
// out by email and SMS, everything else by email only.
type FallbackPublisher struct {
	pub Publisher
	now func() time.Time
}

func NewFallbackPublisher(pub Publisher) *FallbackPublisher {
	return &FallbackPublisher{pub: pub, now: time.Now}
}

var _ domain.FallbackSender = (*FallbackPublisher)(nil)

func (p *FallbackPublisher) SendFallback(ctx context.Context, userID string, n *domain.Notification) error {
	if userID == "" || n == nil {
		return fmt.Errorf("%w: fallback needs a user and a notification", domain.ErrInvalidNotification)
	}

	var errs []error
	for _, channel := range channelsFor(n.Priority) {
		job := FallbackJob{
			ID:             uuid.NewString(),
			Channel:        channel,
			UserID:         userID,
			NotificationID: n.ID,
			Type:           n.Type,
			Priority:       n.Priority,
			Title:          n.Title,
			Message:        n.Message,
			CreatedAt:      n.CreatedAt,
			QueuedAt:       p.now().UTC(),
		}
		body, err := json.Marshal(job)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal fallback job: %w", err))
			continue
		}
		if err := p.pub.Publish(ctx, "fallback."+channel, body); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("queued fallback job",
			slog.String("job_id", job.ID),
			slog.String("channel", channel),
			slog.String("notification_id", n.ID),
			slog.String("user", observability.RedactID(userID)))
	}
	return errors.Join(errs...)
}

func channelsFor(p domain.Priority) []string {
	if p == domain.PriorityCritical {
		return []string{ChannelEmail, ChannelSMS}
	}
	return []string{ChannelEmail}
}

// Dispatcher hands a job to the external email or SMS gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, job FallbackJob) error
}

// LoggingDispatcher writes jobs to the log instead of a gateway.
type LoggingDispatcher struct{}

func (LoggingDispatcher) Dispatch(ctx context.Context, job FallbackJob) error {
	observability.FromContext(ctx).Info("fallback dispatched",
		slog.String("job_id", job.ID),
		slog.String("channel", job.Channel),
		slog.String("notification_id", job.NotificationID),
		slog.String("priority", job.Priority.String()),
		slog.String("user", observability.RedactID(job.UserID)))
	return nil
}
