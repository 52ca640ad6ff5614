package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "aquarius:lastknown:"

// RedisCache is a LastKnown shared through Redis, so several hosts (or a
// restarted one) see the same last position.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}
	return &RedisCache{client: client, ttl: cfg.TTL}, nil
}

func redisKey(provider string) string {
	return redisKeyPrefix + provider
}

func (c *RedisCache) Name() string {
	return "redis-cache"
}

func (c *RedisCache) Get(ctx context.Context, provider string) (core.Fix, bool, error) {
	data, err := c.client.Get(ctx, redisKey(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Fix{}, false, nil
	}
	if err != nil {
		return core.Fix{}, false, err
	}
	var f core.Fix
	if err := json.Unmarshal(data, &f); err != nil {
		return core.Fix{}, false, fmt.Errorf("decode cached fix: %w", err)
	}
	return f, true, nil
}

func (c *RedisCache) WriteFix(ctx context.Context, f core.Fix) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	for _, key := range keysFor(f) {
		pipe.Set(ctx, redisKey(key), data, c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
