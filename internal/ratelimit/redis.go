package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic second+day check over one or more buckets.
// KEYS holds a second key and a daily key per bucket, ARGV the TTLs, the
// commit flag and then a second limit and daily limit per bucket. Counters
// are only incremented when every bucket passes. A limit of 0 disables that
// check.
const acquireLuaScript = `
local secondTTL = tonumber(ARGV[1])
local dailyTTL = tonumber(ARGV[2])
local commit = tonumber(ARGV[3])
local n = #KEYS / 2

for i = 1, n do
    local secondLimit = tonumber(ARGV[2 + 2 * i])
    local dailyLimit = tonumber(ARGV[3 + 2 * i])
    local secCurrent = tonumber(redis.call("GET", KEYS[2 * i - 1]) or "0")
    local dayCurrent = tonumber(redis.call("GET", KEYS[2 * i]) or "0")
    if secondLimit > 0 and secCurrent + 1 > secondLimit then
        return {0, 1, i}
    end
    if dailyLimit > 0 and dayCurrent + 1 > dailyLimit then
        return {0, 2, i}
    end
end
if commit == 0 then
    return {1, 0, 0}
end

for i = 1, n do
    local newSec = redis.call("INCR", KEYS[2 * i - 1])
    if newSec == 1 then
        redis.call("EXPIRE", KEYS[2 * i - 1], secondTTL)
    end
    local newDay = redis.call("INCR", KEYS[2 * i])
    if newDay == 1 then
        redis.call("EXPIRE", KEYS[2 * i], dailyTTL)
    end
end

return {1, 0, 0}
`

// RedisLimiter shares counters across every worker process.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit",
		script: redis.NewScript(acquireLuaScript),
	}
}

func (r *RedisLimiter) run(ctx context.Context, now time.Time, buckets []Bucket, commit int) (Decision, error) {
	if len(buckets) == 0 {
		return Decision{Allowed: true}, nil
	}
	keys := make([]string, 0, 2*len(buckets))
	args := []interface{}{
		2,     // second TTL
		90000, // daily TTL (25 hours)
		commit,
	}
	for _, b := range buckets {
		keys = append(keys,
			fmt.Sprintf("%s:%s:sec:%d", r.prefix, b.Key, now.Unix()),
			fmt.Sprintf("%s:%s:day:%s", r.prefix, b.Key, dayKey(now)),
		)
		args = append(args, b.Limits.PerSecond, b.Limits.DailyCap)
	}

	result, err := r.script.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) < 3 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", result)
	}
	allowed, _ := result[0].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	reason, _ := result[1].(int64)
	idx, _ := result[2].(int64)
	key := ""
	if idx >= 1 && int(idx) <= len(buckets) {
		key = buckets[idx-1].Key
	}
	if reason == 2 {
		return deny(key, DailyLimit, now), nil
	}
	return deny(key, SecondLimit, now), nil
}

func (r *RedisLimiter) Peek(ctx context.Context, now time.Time, buckets ...Bucket) (Decision, error) {
	return r.run(ctx, now, buckets, 0)
}

func (r *RedisLimiter) Acquire(ctx context.Context, now time.Time, buckets ...Bucket) (Decision, error) {
	return r.run(ctx, now, buckets, 1)
}
