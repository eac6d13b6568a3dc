package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisUserPrefix string = "violations/"
var redisViolationPrefix string = "violation/"

// Stores violations as a sorted set per guild/user (scored by unix milliseconds), plus a hash per violation holding its fields.
type RedisLedger struct {
	Client *redis.Client
}

func NewRedisLedger(redisURL string) (*RedisLedger, error) {
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
	rl := RedisLedger{
		Client: rdb,
	}
	return &rl, nil
}

func scoreMin(now time.Time, window time.Duration) string {
	start := windowStart(now, window)
	if start.IsZero() {
		return "-inf"
	}
	return strconv.FormatInt(start.UnixMilli(), 10)
}

func (l *RedisLedger) Record(ctx context.Context, guildID, userID, ruleID, reason string, now time.Time) (*Violation, error) {
	v := Violation{
		ID:        newViolationID(),
		GuildID:   guildID,
		UserID:    userID,
		RuleID:    ruleID,
		Timestamp: now.UTC(),
		Reason:    reason,
	}
	// hash and set membership are written in a single MULTI
	multi := l.Client.TxPipeline()
	multi.HSet(ctx, redisViolationPrefix+v.ID,
		"guild", v.GuildID,
		"user", v.UserID,
		"rule", v.RuleID,
		"ts", v.Timestamp.UnixMilli(),
		"reason", v.Reason,
	)
	multi.ZAdd(ctx, redisUserPrefix+userKey(guildID, userID), redis.Z{
		Score:  float64(v.Timestamp.UnixMilli()),
		Member: v.ID,
	})
	if _, err := multi.Exec(ctx); err != nil {
		return nil, unavailable("record", err)
	}
	return &v, nil
}

func (l *RedisLedger) Count(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) (uint, error) {
	c, err := l.Client.ZCount(ctx, redisUserPrefix+userKey(guildID, userID), scoreMin(now, window), "+inf").Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, unavailable("count", err)
	}
	return uint(c), nil
}

func (l *RedisLedger) List(ctx context.Context, guildID, userID string, now time.Time, window time.Duration) ([]Violation, error) {
	ids, err := l.Client.ZRangeByScore(ctx, redisUserPrefix+userKey(guildID, userID), &redis.ZRangeBy{
		Min: scoreMin(now, window),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, unavailable("list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	multi := l.Client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = multi.HGetAll(ctx, redisViolationPrefix+id)
	}
	if _, err := multi.Exec(ctx); err != nil {
		return nil, unavailable("list", err)
	}
	out := make([]Violation, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// set member without a hash; removed concurrently
			continue
		}
		out = append(out, violationFromHash(ids[i], fields))
	}
	return out, nil
}

func violationFromHash(id string, fields map[string]string) Violation {
	ms, _ := strconv.ParseInt(fields["ts"], 10, 64)
	return Violation{
		ID:        id,
		GuildID:   fields["guild"],
		UserID:    fields["user"],
		RuleID:    fields["rule"],
		Timestamp: time.UnixMilli(ms).UTC(),
		Reason:    fields["reason"],
	}
}

func (l *RedisLedger) Remove(ctx context.Context, violationID string) error {
	key := redisViolationPrefix + violationID
	fields, err := l.Client.HMGet(ctx, key, "guild", "user").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("remove", err)
	}
	guildID, _ := fields[0].(string)
	userID, _ := fields[1].(string)
	if guildID == "" && userID == "" {
		// unknown id
		return nil
	}
	multi := l.Client.TxPipeline()
	multi.ZRem(ctx, redisUserPrefix+userKey(guildID, userID), violationID)
	multi.Del(ctx, key)
	if _, err := multi.Exec(ctx); err != nil {
		return unavailable("remove", err)
	}
	return nil
}

func (l *RedisLedger) Purge(ctx context.Context, before time.Time) (int, error) {
	cutoff := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	removed := 0
	var cursor uint64
	for {
		keys, next, err := l.Client.Scan(ctx, cursor, redisUserPrefix+"*", 500).Result()
		if err != nil {
			return removed, unavailable("purge", err)
		}
		for _, k := range keys {
			ids, err := l.Client.ZRangeByScore(ctx, k, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
			if err != nil {
				return removed, unavailable("purge", err)
			}
			if len(ids) == 0 {
				continue
			}
			multi := l.Client.TxPipeline()
			multi.ZRemRangeByScore(ctx, k, "-inf", cutoff)
			for _, id := range ids {
				multi.Del(ctx, redisViolationPrefix+id)
			}
			if _, err := multi.Exec(ctx); err != nil {
				return removed, unavailable("purge", err)
			}
			removed += len(ids)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
