package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCountPrefix string = "count/"
var redisDistinctPrefix string = "distinct/"

// Hour and day buckets are kept for two periods; totals never expire.
var periodTTL = map[string]time.Duration{
	PeriodHour: 2 * time.Hour,
	PeriodDay:  48 * time.Hour,
}

// Counters in redis, shared by every process pointed at the same instance. Distinct counts use HyperLogLog, so are approximate.
type RedisCountStore struct {
	Client *redis.Client
}

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string, now time.Time) (int, error) {
	c, err := s.Client.Get(ctx, redisCountPrefix+periodBucket(name, val, period, now)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

// Updates all three period buckets in a single round-trip.
func (s *RedisCountStore) Increment(ctx context.Context, name, val string, now time.Time) error {
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range []string{PeriodHour, PeriodDay, PeriodTotal} {
			key := redisCountPrefix + periodBucket(name, val, p, now)
			pipe.Incr(ctx, key)
			if ttl, ok := periodTTL[p]; ok {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string, now time.Time) (int, error) {
	c, err := s.Client.PFCount(ctx, redisDistinctPrefix+periodBucket(name, bucket, period, now)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string, now time.Time) error {
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range []string{PeriodHour, PeriodDay, PeriodTotal} {
			key := redisDistinctPrefix + periodBucket(name, bucket, p, now)
			pipe.PFAdd(ctx, key, val)
			if ttl, ok := periodTTL[p]; ok {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}
