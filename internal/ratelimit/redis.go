package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
)

// Lua script for the four-window admission check. All windows are checked
// before any counter moves, so concurrent callers cannot partially consume
// a slot.
const multiWindowLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local hourKey = KEYS[3]
local dayKey = KEYS[4]
local secondLimit = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])
local dayLimit = tonumber(ARGV[4])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if secondLimit > 0 and secCurrent + 1 > secondLimit then
    return {0, 1}
end
if minuteLimit > 0 and minCurrent + 1 > minuteLimit then
    return {0, 2}
end
if hourLimit > 0 and hourCurrent + 1 > hourLimit then
    return {0, 3}
end
if dayLimit > 0 and dayCurrent + 1 > dayLimit then
    return {0, 4}
end

local newSec = redis.call("INCR", secondKey)
if newSec == 1 then
    redis.call("EXPIRE", secondKey, 2)
end
local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end
local newHour = redis.call("INCR", hourKey)
if newHour == 1 then
    redis.call("EXPIRE", hourKey, 7200)
end
local newDay = redis.call("INCR", dayKey)
if newDay == 1 then
    redis.call("EXPIRE", dayKey, 90000)
end

return {1, 0}
`

// RedisLimiter is the shared-state Limiter for multi-instance deployments.
// Counters live in Redis with time-bucketed keys and the admission check
// runs as a single Lua script.
type RedisLimiter struct {
	redis  *redis.Client
	cfg    config.RateLimitConfig
	prefix string
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client, cfg config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		cfg:    cfg,
		prefix: "ratelimit:send",
		script: redis.NewScript(multiWindowLuaScript),
		now:    time.Now,
	}
}

// NewRedisLimiterFromURL connects to Redis and verifies the connection.
func NewRedisLimiterFromURL(url string, cfg config.RateLimitConfig) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisLimiter(client, cfg), nil
}

func (r *RedisLimiter) keys(t time.Time) []string {
	return []string{
		fmt.Sprintf("%s:sec:%d", r.prefix, t.Unix()),
		fmt.Sprintf("%s:min:%d", r.prefix, t.Unix()/60),
		fmt.Sprintf("%s:hour:%d", r.prefix, t.Unix()/3600),
		fmt.Sprintf("%s:day:%s", r.prefix, t.Format("2006-01-02")),
	}
}

// Allow runs the atomic four-window check.
func (r *RedisLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	t := r.now()
	result, err := r.script.Run(ctx, r.redis, r.keys(t),
		r.cfg.MaxPerSecond,
		r.cfg.MaxPerMinute,
		r.cfg.MaxPerHour,
		r.cfg.MaxPerDay,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	if allowed {
		return true, 0, nil
	}

	var wait time.Duration
	switch result[1].(int64) {
	case 1:
		wait = time.Second
	case 2:
		wait = time.Duration(60-t.Second()) * time.Second
	case 3:
		wait = time.Duration(3600-(t.Minute()*60+t.Second())) * time.Second
	case 4:
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Add(24 * time.Hour)
		wait = midnight.Sub(t)
	}
	return false, wait, nil
}

// Usage reads the current bucket counters via a pipeline.
func (r *RedisLimiter) Usage(ctx context.Context) (map[string]int64, error) {
	keys := r.keys(r.now())

	pipe := r.redis.Pipeline()
	secCmd := pipe.Get(ctx, keys[0])
	minCmd := pipe.Get(ctx, keys[1])
	hourCmd := pipe.Get(ctx, keys[2])
	dayCmd := pipe.Get(ctx, keys[3])
	pipe.Exec(ctx)

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	hour, _ := hourCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(r.cfg.MaxPerSecond),
		"minute_current": min,
		"minute_limit":   int64(r.cfg.MaxPerMinute),
		"hour_current":   hour,
		"hour_limit":     int64(r.cfg.MaxPerHour),
		"day_current":    day,
		"day_limit":      int64(r.cfg.MaxPerDay),
	}, nil
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.redis.Close()
}
