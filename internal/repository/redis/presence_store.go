package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"session-notify/internal/domain"
)

const (
	presenceKeyPrefix = "presence:"
	// DefaultPresenceTTL is how long an entry counts as live without a heartbeat.
	DefaultPresenceTTL = 90 * time.Second
)

// presenceRecord is the hash field value; the field name is the connection id.
type presenceRecord struct {
	InstanceID string `json:"instance_id"`
	Namespace  string `json:"namespace"`
	SeenAt     int64  `json:"seen_at"`
}

// PresenceStore records, per user, which instance holds each live connection.
// Every field carries its own heartbeat so one live instance cannot keep a
// crashed instance's entries alive.
type PresenceStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewPresenceStore(client goredis.UniversalClient, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceStore{client: client, ttl: ttl, now: time.Now}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

// Add records or refreshes one connection.
func (s *PresenceStore) Add(ctx context.Context, userID string, entry domain.PresenceEntry) error {
	if entry.SeenAt.IsZero() {
		entry.SeenAt = s.now()
	}
	data, err := json.Marshal(presenceRecord{
		InstanceID: entry.InstanceID,
		Namespace:  entry.Namespace,
		SeenAt:     unixMillis(entry.SeenAt),
	})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, presenceKey(userID), entry.ConnectionID, data)
		pipe.PExpire(ctx, presenceKey(userID), s.ttl)
		return nil
	})
	return storeError("add presence", err)
}

func (s *PresenceStore) Remove(ctx context.Context, userID string, connectionIDs ...string) error {
	if len(connectionIDs) == 0 {
		return nil
	}
	return storeError("remove presence", s.client.HDel(ctx, presenceKey(userID), connectionIDs...).Err())
}

// Connections returns the user's live entries. Entries past the heartbeat
// window are pruned on the way out.
func (s *PresenceStore) Connections(ctx context.Context, userID string) ([]domain.PresenceEntry, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, storeError("list presence", err)
	}

	cutoff := s.now().Add(-s.ttl)
	live := make([]domain.PresenceEntry, 0, len(fields))
	var stale []string
	for connID, raw := range fields {
		var rec presenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			stale = append(stale, connID)
			continue
		}
		seen := fromMillis(rec.SeenAt)
		if seen.Before(cutoff) {
			stale = append(stale, connID)
			continue
		}
		live = append(live, domain.PresenceEntry{
			ConnectionID: connID,
			InstanceID:   rec.InstanceID,
			Namespace:    rec.Namespace,
			SeenAt:       seen,
		})
	}

	if len(stale) > 0 {
		if err := s.client.HDel(ctx, presenceKey(userID), stale...).Err(); err != nil {
			slog.Debug("failed to prune stale presence",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
	return live, nil
}
