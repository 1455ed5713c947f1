package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisClient struct {
	rdb        redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

// NewRedis envuelve un cliente existente; Close no lo cierra.
func NewRedis(rdb redis.UniversalClient, prefix string, defaultTTL time.Duration) Client {
	return &redisClient{rdb: rdb, prefix: prefix, defaultTTL: defaultTTL}
}

func (c *redisClient) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *redisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	return c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *redisClient) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}

func (c *redisClient) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *redisClient) Close() error { return nil }
