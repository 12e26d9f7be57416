// Package dedupe keeps a short-lived record of committed provider events so
// replays can be acknowledged without opening a database transaction. The
// ledger table remains the source of truth.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/radbridge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyProcessedEvent = "billing:event:processed:%s"

type Cache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed must only be called after the event's transaction committed.
	MarkProcessed(ctx context.Context, eventID string) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkProcessed(ctx context.Context, eventID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if strings.TrimSpace(eventID) == "" {
		return errors.New("event id is empty")
	}
	return c.client.Set(ctx, key(eventID), time.Now().UTC().Format(time.RFC3339), c.ttl).Err()
}

func key(eventID string) string {
	return fmt.Sprintf(keyProcessedEvent, strings.TrimSpace(eventID))
}

// NoopCache never reports a hit.
type NoopCache struct{}

func (NoopCache) Seen(context.Context, string) (bool, error)  { return false, nil }
func (NoopCache) MarkProcessed(context.Context, string) error { return nil }

// NewCache returns a Redis-backed cache when REDIS_ADDR is set, otherwise a no-op.
func NewCache(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Cache {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		log.Info("processed-event cache disabled")
		return NoopCache{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return NewRedisCache(client, cfg.Redis.ProcessedEventTTL)
}
