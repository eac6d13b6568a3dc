package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCooldownPrefix string = "cooldown/"

// deletes the key only if it still holds the given firing time
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Tracker shared between processes. Each firing is a key set with NX and a TTL equal to the cooldown, so expiry is handled by redis; remaining time comes from the key's TTL.
type RedisTracker struct {
	Client *redis.Client
}

func NewRedisTracker(redisURL string) (*RedisTracker, error) {
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
	return &RedisTracker{Client: rdb}, nil
}

func (t *RedisTracker) TryFire(ctx context.Context, triggerID, scopeKey string, cooldown time.Duration, now time.Time) (Result, error) {
	if cooldown <= 0 {
		return Result{Allowed: true}, nil
	}
	key := redisCooldownPrefix + entryKey(triggerID, scopeKey)
	ok, err := t.Client.SetNX(ctx, key, now.UnixMilli(), cooldown).Result()
	if err != nil {
		return Result{}, fmt.Errorf("cooldown check: %w", err)
	}
	if ok {
		return Result{Allowed: true}, nil
	}
	ttl, err := t.Client.PTTL(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("cooldown ttl: %w", err)
	}
	if ttl < 0 {
		// expired between the two commands (-2), or somehow has no TTL (-1)
		ttl = 0
	}
	return Result{Allowed: false, Remaining: ttl}, nil
}

func (t *RedisTracker) Release(ctx context.Context, triggerID, scopeKey string, firedAt time.Time) error {
	key := redisCooldownPrefix + entryKey(triggerID, scopeKey)
	if err := releaseScript.Run(ctx, t.Client, []string{key}, strconv.FormatInt(firedAt.UnixMilli(), 10)).Err(); err != nil {
		return fmt.Errorf("cooldown release: %w", err)
	}
	return nil
}
