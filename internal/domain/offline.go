package domain

import (
	"context"
	"time"
)

// OfflineEntry is a notification queued for a user with no live connection.
type OfflineEntry struct {
	UserID         string        `json:"user_id"`
	NotificationID string        `json:"notification_id"`
	Notification   *Notification `json:"notification"`
	StoredAt       time.Time     `json:"stored_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Delivered      bool          `json:"delivered"`
}

// OfflineFilter narrows pending entries. Zero values disable a criterion.
type OfflineFilter struct {
	Types       []NotificationType
	MinPriority Priority
	MaxAge      time.Duration
	Limit       int
}

// Matches reports whether e passes the filter at now.
func (f OfflineFilter) Matches(e *OfflineEntry, now time.Time) bool {
	if e.Notification == nil {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Notification.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority.Valid() && e.Notification.Priority < f.MinPriority {
		return false
	}
	if f.MaxAge > 0 && now.Sub(e.StoredAt) > f.MaxAge {
		return false
	}
	return true
}

// OfflineStore is the shared durable queue behind offline persistence.
// Enqueue is idempotent per (user, notification) and reports whether a new entry
// was written.
type OfflineStore interface {
	Enqueue(ctx context.Context, entry *OfflineEntry) (bool, error)
	Pending(ctx context.Context, userID string, now time.Time) ([]*OfflineEntry, error)
	MarkDelivered(ctx context.Context, userID string, notificationIDs ...string) error
	Remove(ctx context.Context, userID string, notificationIDs ...string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}
