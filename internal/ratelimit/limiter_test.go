package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
)

func TestMemoryLimiterSecondWindow(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(config.RateLimitConfig{
		MaxPerSecond: 2, MaxPerMinute: 100, MaxPerHour: 1000, MaxPerDay: 10000,
	}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var results []bool
	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx)
		require.NoError(t, err)
		results = append(results, ok)
	}
	assert.Equal(t, []bool{true, true, false}, results)

	// Whole-window reset: one second later the window rolls over fully.
	now = now.Add(time.Second)
	ok, _, err := l.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiterDenialLeavesCountersUntouched(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(config.RateLimitConfig{
		MaxPerSecond: 1, MaxPerMinute: 5, MaxPerHour: 100, MaxPerDay: 1000,
	}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx)
	require.True(t, ok)

	// Denied by the second window; minute counter must not move.
	for i := 0; i < 10; i++ {
		ok, _, _ = l.Allow(ctx)
		assert.False(t, ok)
	}
	usage, err := l.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage["minute_current"])

	// The minute budget of 5 is still fully available across seconds.
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		ok, _, _ = l.Allow(ctx)
		assert.True(t, ok, "send %d within minute budget", i+2)
	}
	now = now.Add(time.Second)
	ok, wait, _ := l.Allow(ctx)
	assert.False(t, ok, "minute budget exhausted")
	assert.Greater(t, wait, time.Duration(0))
}

func TestMemoryLimiterWaitHint(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(config.RateLimitConfig{
		MaxPerSecond: 1, MaxPerMinute: 100, MaxPerHour: 1000, MaxPerDay: 10000,
	}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx)
	require.True(t, ok)

	now = now.Add(400 * time.Millisecond)
	ok, wait, _ := l.Allow(ctx)
	require.False(t, ok)
	assert.Equal(t, 600*time.Millisecond, wait)
}

func TestMemoryLimiterZeroLimitIsUnlimited(t *testing.T) {
	l := NewMemoryLimiter(config.RateLimitConfig{MaxPerMinute: 2})
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx)
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx)
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx)
	assert.False(t, ok, "only the configured minute window applies")
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client, config.RateLimitConfig{
		MaxPerSecond: 2, MaxPerMinute: 100, MaxPerHour: 1000, MaxPerDay: 10000,
	})
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	var results []bool
	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx)
		require.NoError(t, err)
		results = append(results, ok)
	}
	assert.Equal(t, []bool{true, true, false}, results)

	usage, err := l.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage["second_current"])
	assert.Equal(t, int64(2), usage["minute_current"])

	// New second bucket admits again; minute counter keeps accumulating.
	now = now.Add(time.Second)
	ok, _, err := l.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	usage, err = l.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage["second_current"])
	assert.Equal(t, int64(3), usage["minute_current"])
}

func TestRedisLimiterDailyCeiling(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client, config.RateLimitConfig{
		MaxPerSecond: 100, MaxPerMinute: 100, MaxPerHour: 100, MaxPerDay: 1,
	})

	ctx := context.Background()
	ok, _, err := l.Allow(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, wait, err := l.Allow(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}
