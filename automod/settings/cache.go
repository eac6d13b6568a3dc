package settings

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache of raw settings documents, keyed by source URL, with a fixed TTL.
type DocCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, doc []byte) error
	Purge(ctx context.Context, key string) error
}

type MemDocCache struct {
	Data *expirable.LRU[string, []byte]
}

func NewMemDocCache(capacity int, ttl time.Duration) MemDocCache {
	return MemDocCache{
		Data: expirable.NewLRU[string, []byte](capacity, nil, ttl),
	}
}

func (c MemDocCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.Data.Get(key)
	return v, ok, nil
}

func (c MemDocCache) Set(ctx context.Context, key string, doc []byte) error {
	c.Data.Add(key, doc)
	return nil
}

func (c MemDocCache) Purge(ctx context.Context, key string) error {
	c.Data.Remove(key)
	return nil
}

// Two-tier cache: a small in-process TinyLFU in front of redis, so that several sentinel processes share fetched documents.
type RedisDocCache struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ DocCache = (*RedisDocCache)(nil)

func NewRedisDocCache(client *redis.Client, ttl time.Duration) *RedisDocCache {
	return &RedisDocCache{
		Data: cache.New(&cache.Options{
			Redis:      client,
			LocalCache: cache.NewTinyLFU(1_000, ttl),
		}),
		TTL: ttl,
	}
}

func redisDocKey(key string) string {
	return "settings-doc/" + key
}

func (c *RedisDocCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := c.Data.Get(ctx, redisDocKey(key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisDocCache) Set(ctx context.Context, key string, doc []byte) error {
	return c.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisDocKey(key),
		Value: doc,
		TTL:   c.TTL,
	})
}

func (c *RedisDocCache) Purge(ctx context.Context, key string) error {
	err := c.Data.Delete(ctx, redisDocKey(key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
