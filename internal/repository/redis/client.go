package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"session-notify/internal/domain"
)

// NewClient parses a redis:// URL and verifies the server answers PING, retrying
// with exponential backoff until maxWait elapses.
func NewClient(ctx context.Context, redisURL string, maxWait time.Duration) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxWait

	attempt := 0
	operation := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis not ready",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempt, err)
	}

	slog.Info("connected to redis", slog.String("addr", opts.Addr))
	return client, nil
}

// storeError maps transport failures onto ErrSessionStoreUnavailable so callers
// can degrade without inspecting driver errors.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrSessionStoreUnavailable, err)
}

// isTransient reports whether err is worth retrying locally.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, goredis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF)
}

// retry runs fn with a short exponential backoff bounded by ctx, retrying only
// transient transport errors.
func retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
