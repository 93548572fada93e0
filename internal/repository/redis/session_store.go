package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"session-notify/internal/domain"
)

const sessionKeyPrefix = "session:"

var createSessionScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
  return 0
end
redis.call("HSET", key,
  "user_id", ARGV[1],
  "platform", ARGV[2],
  "csrf_secret", ARGV[3],
  "created_at", ARGV[4],
  "last_activity_at", ARGV[4],
  "expires_at", ARGV[5])
redis.call("PEXPIRE", key, ARGV[6])
return 1
`)

// touchSessionScript extends the sliding expiry and, when ARGV[4] is "1", replaces
// the platform field. Expired records are deleted and reported as missing.
var touchSessionScript = goredis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
if redis.call("EXISTS", key) == 0 then
  return false
end
local expires = tonumber(redis.call("HGET", key, "expires_at"))
if expires == nil or expires <= now_ms then
  redis.call("DEL", key)
  return false
end
redis.call("HSET", key, "last_activity_at", ARGV[1], "expires_at", ARGV[3])
if ARGV[4] == "1" then
  redis.call("HSET", key, "platform", ARGV[5])
end
redis.call("PEXPIRE", key, ARGV[2])
return redis.call("HGETALL", key)
`)

// SessionStore keeps session records as hashes under session:{id}.
type SessionStore struct {
	client goredis.UniversalClient
	now    func() time.Time
}

func NewSessionStore(client goredis.UniversalClient) *SessionStore {
	return &SessionStore{client: client, now: time.Now}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Create writes a new record. It never overwrites an existing id.
func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	platform, err := encodePlatform(session.Platform)
	if err != nil {
		return err
	}

	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("session already expired at %s", session.ExpiresAt)
	}

	var created int64
	err = retry(ctx, func() error {
		var runErr error
		created, runErr = createSessionScript.Run(ctx, s.client,
			[]string{sessionKey(session.ID)},
			session.UserID,
			platform,
			session.CSRFSecret,
			unixMillis(session.CreatedAt),
			unixMillis(session.ExpiresAt),
			ttl.Milliseconds(),
		).Int64()
		return runErr
	})
	if err != nil {
		return storeError("create session", err)
	}
	if created == 0 {
		return fmt.Errorf("session id collision")
	}
	return nil
}

// Get reads a record without extending it. Missing and expired records yield
// ErrSessionNotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var fields map[string]string
	err := retry(ctx, func() error {
		var getErr error
		fields, getErr = s.client.HGetAll(ctx, sessionKey(id)).Result()
		return getErr
	})
	if err != nil {
		return nil, storeError("get session", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}

	session, err := decodeSession(id, fields)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(s.now()) {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// Touch atomically slides the expiry forward by ttl and returns the updated record.
func (s *SessionStore) Touch(ctx context.Context, id string, ttl time.Duration) (*domain.Session, error) {
	return s.runTouch(ctx, id, ttl, false, "")
}

// UpdatePlatform replaces the platform context and slides the expiry in one
// atomic step, so concurrent switches from two tabs cannot interleave.
func (s *SessionStore) UpdatePlatform(ctx context.Context, id string, platform *domain.PlatformContext, ttl time.Duration) (*domain.Session, error) {
	encoded, err := encodePlatform(platform)
	if err != nil {
		return nil, err
	}
	return s.runTouch(ctx, id, ttl, true, encoded)
}

func (s *SessionStore) runTouch(ctx context.Context, id string, ttl time.Duration, setPlatform bool, platform string) (*domain.Session, error) {
	now := s.now()
	flag := "0"
	if setPlatform {
		flag = "1"
	}

	var raw interface{}
	err := retry(ctx, func() error {
		var runErr error
		raw, runErr = touchSessionScript.Run(ctx, s.client,
			[]string{sessionKey(id)},
			unixMillis(now),
			ttl.Milliseconds(),
			unixMillis(now.Add(ttl)),
			flag,
			platform,
		).Result()
		return runErr
	})
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeError("touch session", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values)%2 != 0 {
		return nil, fmt.Errorf("unexpected touch result type %T", raw)
	}
	fields := make(map[string]string, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		fields[asString(values[i])] = asString(values[i+1])
	}
	return decodeSession(id, fields)
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	err := retry(ctx, func() error {
		return s.client.Del(ctx, sessionKey(id)).Err()
	})
	return storeError("delete session", err)
}

func (s *SessionStore) Ping(ctx context.Context) error {
	return storeError("ping", s.client.Ping(ctx).Err())
}

func encodePlatform(pc *domain.PlatformContext) (string, error) {
	if pc == nil {
		return "", nil
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return "", fmt.Errorf("failed to encode platform context: %w", err)
	}
	return string(data), nil
}

func decodeSession(id string, fields map[string]string) (*domain.Session, error) {
	session := &domain.Session{
		ID:         id,
		UserID:     fields["user_id"],
		CSRFSecret: fields["csrf_secret"],
	}

	for name, dst := range map[string]*time.Time{
		"created_at":       &session.CreatedAt,
		"last_activity_at": &session.LastActivityAt,
		"expires_at":       &session.ExpiresAt,
	} {
		ms, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt session field %s: %w", name, err)
		}
		*dst = fromMillis(ms)
	}

	if raw := fields["platform"]; raw != "" {
		var pc domain.PlatformContext
		if err := json.Unmarshal([]byte(raw), &pc); err != nil {
			return nil, fmt.Errorf("corrupt session platform: %w", err)
		}
		session.Platform = &pc
	}
	return session, nil
}

func asString(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(v)
	}
}
