package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"session-notify/internal/domain"
)

const (
	offlineEntryPrefix = "offline:entry:"
	offlineIndexPrefix = "offline:idx:"
	offlineExpiryKey   = "offline:expiry"

	// separates user and notification ids in offline:expiry members
	memberSep = "\x1f"

	sweepBatch = 500
)

var enqueueOfflineScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[5])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[6])
return 1
`)

// OfflineStore is the shared offline queue. Each entry is a JSON document with its
// own TTL, indexed per user by stored_at and globally by expires_at.
type OfflineStore struct {
	client goredis.UniversalClient
}

func NewOfflineStore(client goredis.UniversalClient) *OfflineStore {
	return &OfflineStore{client: client}
}

func entryKey(userID, notificationID string) string {
	return offlineEntryPrefix + userID + ":" + notificationID
}

func indexKey(userID string) string {
	return offlineIndexPrefix + userID
}

func expiryMember(userID, notificationID string) string {
	return userID + memberSep + notificationID
}

// Enqueue stores entry unless one already exists for the same user and
// notification. It reports whether a new entry was written.
func (s *OfflineStore) Enqueue(ctx context.Context, entry *domain.OfflineEntry) (bool, error) {
	ttl := entry.ExpiresAt.Sub(entry.StoredAt)
	if ttl <= 0 {
		return false, fmt.Errorf("offline entry expires before it is stored")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode offline entry: %w", err)
	}

	var created int64
	err = retry(ctx, func() error {
		var runErr error
		created, runErr = enqueueOfflineScript.Run(ctx, s.client,
			[]string{entryKey(entry.UserID, entry.NotificationID), indexKey(entry.UserID), offlineExpiryKey},
			data,
			unixMillis(entry.StoredAt),
			unixMillis(entry.ExpiresAt),
			ttl.Milliseconds(),
			entry.NotificationID,
			expiryMember(entry.UserID, entry.NotificationID),
		).Int64()
		return runErr
	})
	if err != nil {
		return false, storeError("enqueue offline", err)
	}
	return created == 1, nil
}

// Pending returns the user's undelivered, unexpired entries oldest-first.
// Index members whose entry already expired are pruned on the way.
func (s *OfflineStore) Pending(ctx context.Context, userID string, now time.Time) ([]*domain.OfflineEntry, error) {
	ids, err := s.client.ZRange(ctx, indexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, storeError("list offline index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(userID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeError("read offline entries", err)
	}

	var stale []string
	entries := make([]*domain.OfflineEntry, 0, len(values))
	for i, v := range values {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		var entry domain.OfflineEntry
		if err := json.Unmarshal([]byte(asString(v)), &entry); err != nil {
			slog.Warn("dropping corrupt offline entry",
				slog.String("user_id", userID),
				slog.String("notification_id", ids[i]),
				slog.String("error", err.Error()))
			stale = append(stale, ids[i])
			continue
		}
		if entry.Delivered || !entry.ExpiresAt.After(now) {
			continue
		}
		entries = append(entries, &entry)
	}

	if len(stale) > 0 {
		if err := s.Remove(ctx, userID, stale...); err != nil {
			slog.Warn("failed to prune offline index",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
	return entries, nil
}

// MarkDelivered flags entries as delivered using optimistic WATCH/MULTI so a
// concurrent enqueue or sweep on another process is never overwritten.
func (s *OfflineStore) MarkDelivered(ctx context.Context, userID string, notificationIDs ...string) error {
	for _, id := range notificationIDs {
		key := entryKey(userID, id)
		txf := func(tx *goredis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			var entry domain.OfflineEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return fmt.Errorf("corrupt offline entry %s: %w", id, err)
			}
			if entry.Delivered {
				return nil
			}
			entry.Delivered = true
			data, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.SetArgs(ctx, key, data, goredis.SetArgs{KeepTTL: true, Mode: "XX"})
				return nil
			})
			return err
		}

		var err error
		for i := 0; i < 3; i++ {
			err = s.client.Watch(ctx, txf, key)
			if !errors.Is(err, goredis.TxFailedErr) {
				break
			}
		}
		if err != nil {
			return storeError("mark offline delivered", err)
		}
	}
	return nil
}

// Remove deletes entries and their index members.
func (s *OfflineStore) Remove(ctx context.Context, userID string, notificationIDs ...string) error {
	if len(notificationIDs) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		members := make([]interface{}, len(notificationIDs))
		expiryMembers := make([]interface{}, len(notificationIDs))
		for i, id := range notificationIDs {
			pipe.Del(ctx, entryKey(userID, id))
			members[i] = id
			expiryMembers[i] = expiryMember(userID, id)
		}
		pipe.ZRem(ctx, indexKey(userID), members...)
		pipe.ZRem(ctx, offlineExpiryKey, expiryMembers...)
		return nil
	})
	return storeError("remove offline entries", err)
}

// Sweep removes every entry whose expires_at is at or before now, delivered or
// not, and returns how many were removed by this call.
func (s *OfflineStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for {
		members, err := s.client.ZRangeByScore(ctx, offlineExpiryKey, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(unixMillis(now), 10),
			Count: sweepBatch,
		}).Result()
		if err != nil {
			return removed, storeError("scan offline expiry", err)
		}
		if len(members) == 0 {
			return removed, nil
		}

		cmds := make([]*goredis.IntCmd, 0, len(members))
		_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, m := range members {
				userID, notificationID, ok := strings.Cut(m, memberSep)
				if !ok {
					cmds = append(cmds, pipe.ZRem(ctx, offlineExpiryKey, m))
					continue
				}
				pipe.Del(ctx, entryKey(userID, notificationID))
				pipe.ZRem(ctx, indexKey(userID), notificationID)
				cmds = append(cmds, pipe.ZRem(ctx, offlineExpiryKey, m))
			}
			return nil
		})
		if err != nil {
			return removed, storeError("sweep offline entries", err)
		}
		for _, cmd := range cmds {
			removed += int(cmd.Val())
		}
		if len(members) < sweepBatch {
			return removed, nil
		}
	}
}
