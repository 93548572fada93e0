package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"session-notify/internal/domain"
	"session-notify/internal/observability"
)

// DefaultRetention keeps critical notifications the longest.
var DefaultRetention = map[domain.Priority]time.Duration{
	domain.PriorityCritical: 7 * 24 * time.Hour,
	domain.PriorityUrgent:   5 * 24 * time.Hour,
	domain.PriorityHigh:     3 * 24 * time.Hour,
	domain.PriorityNormal:   24 * time.Hour,
	domain.PriorityLow:      6 * time.Hour,
}

// DeliverFunc hands a queued notification to a live connection.
type DeliverFunc func(ctx context.Context, n *domain.Notification) error

// OfflineQueue persists notifications for users without a live connection and
// replays them when the user reconnects.
type OfflineQueue struct {
	store     domain.OfflineStore
	retention map[domain.Priority]time.Duration
	now       func() time.Time
}

func NewOfflineQueue(store domain.OfflineStore) *OfflineQueue {
	return &OfflineQueue{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// Retention returns how long an entry of priority p is kept.
func (q *OfflineQueue) Retention(p domain.Priority) time.Duration {
	if d, ok := q.retention[p]; ok {
		return d
	}
	return q.retention[domain.PriorityNormal]
}

// Enqueue stores n for userID. It reports false when the entry already existed.
func (q *OfflineQueue) Enqueue(ctx context.Context, userID string, n *domain.Notification) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: offline entry needs a user", domain.ErrTargetUnresolvable)
	}
	if err := n.Validate(); err != nil {
		return false, err
	}

	now := q.now()
	entry := &domain.OfflineEntry{
		UserID:         userID,
		NotificationID: n.ID,
		Notification:   n,
		StoredAt:       now,
		ExpiresAt:      now.Add(q.Retention(n.Priority)),
	}

	created, err := q.store.Enqueue(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("enqueue offline notification: %w", err)
	}
	if created {
		observability.OfflineEnqueued.WithLabelValues(n.Priority.String()).Inc()
		slog.Debug("notification queued offline",
			slog.String("user_id", userID),
			slog.String("notification_id", n.ID),
			slog.String("priority", n.Priority.String()),
			slog.Time("expires_at", entry.ExpiresAt))
	}
	return created, nil
}

// Pending lists undelivered, unexpired entries oldest-first, narrowed by filter.
func (q *OfflineQueue) Pending(ctx context.Context, userID string, filter domain.OfflineFilter) ([]*domain.OfflineEntry, error) {
	now := q.now()
	entries, err := q.store.Pending(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list offline notifications: %w", err)
	}

	out := make([]*domain.OfflineEntry, 0, len(entries))
	for _, e := range entries {
		if !filter.Matches(e, now) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// FlushOnReconnect replays pending entries oldest-first through deliver and clears
// the ones that went out. Delivery stops at the first failure; the rest stay queued.
func (q *OfflineQueue) FlushOnReconnect(ctx context.Context, userID string, deliver DeliverFunc) ([]*domain.Notification, error) {
	entries, err := q.store.Pending(ctx, userID, q.now())
	if err != nil {
		return nil, fmt.Errorf("flush offline notifications: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var (
		flushed  []*domain.Notification
		ids      []string
		deliverr error
	)
	for _, e := range entries {
		if err := deliver(ctx, e.Notification); err != nil {
			deliverr = fmt.Errorf("deliver offline notification %s: %w", e.NotificationID, err)
			break
		}
		flushed = append(flushed, e.Notification)
		ids = append(ids, e.NotificationID)
	}

	if len(ids) > 0 {
		if err := q.store.MarkDelivered(ctx, userID, ids...); err != nil {
			slog.Warn("failed to mark offline notifications delivered",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
		if err := q.store.Remove(ctx, userID, ids...); err != nil {
			return flushed, fmt.Errorf("clear flushed notifications: %w", err)
		}
		observability.OfflineFlushed.Add(float64(len(ids)))
	}

	slog.Info("offline notifications flushed",
		slog.String("user_id", userID),
		slog.Int("delivered", len(ids)),
		slog.Int("pending", len(entries)-len(ids)))
	return flushed, deliverr
}

// Sweep drops every entry past its expiry, delivered or not.
func (q *OfflineQueue) Sweep(ctx context.Context) (int, error) {
	n, err := q.store.Sweep(ctx, q.now())
	if err != nil {
		return n, fmt.Errorf("sweep offline notifications: %w", err)
	}
	if n > 0 {
		observability.OfflineSwept.Add(float64(n))
	}
	return n, nil
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (q *OfflineQueue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping offline sweeper")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			count, err := q.Sweep(sweepCtx)
			if err != nil {
				slog.Error("offline sweep failed", slog.String("error", err.Error()))
			} else if count > 0 {
				slog.Info("offline sweep completed", slog.Int("entries_removed", count))
			}
			cancel()
		}
	}
}
