package siteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares resolutions across server instances. Keys embed a
// generation number; Purge bumps the generation so every older entry
// becomes unreachable at once and expires on its own TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache using keys under prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "agentpay:siteconfig"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) genKey() string {
	return c.prefix + ":gen"
}

func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) entryKey(gen int64, agentID string) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, agentID)
}

func (c *RedisCache) Get(ctx context.Context, gen int64, agentID string) (*Resolution, bool, error) {
	val, err := c.client.Get(ctx, c.entryKey(gen, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var res Resolution
	if err := json.Unmarshal(val, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached resolution: %w", err)
	}
	return &res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, gen int64, agentID string, res *Resolution, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.entryKey(gen, agentID), data, ttl).Err()
}

func (c *RedisCache) Purge(ctx context.Context) error {
	return c.client.Incr(ctx, c.genKey()).Err()
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ Cache = (*RedisCache)(nil)
