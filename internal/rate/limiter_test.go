package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func forEachLimiter(t *testing.T, max int, fn func(t *testing.T, l Limiter, clock *clockwork.FakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(testEpoch)
		fn(t, NewMemoryLimiter(max, time.Minute, WithClock(clock)), clock)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		clock := clockwork.NewFakeClockAt(testEpoch)
		fn(t, NewRedisLimiter(rdb, "rl:", max, time.Minute, WithClock(clock)), clock)
	})
}

func TestAllowWithinWindow(t *testing.T) {
	forEachLimiter(t, 3, func(t *testing.T, l Limiter, clock *clockwork.FakeClock) {
		ctx := context.Background()
		clock.Advance(15 * time.Second)

		for i := 1; i <= 3; i++ {
			res, err := l.Allow(ctx, "1.2.3.4|/v1/refresh")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.EqualValues(t, 3-i, res.Remaining)
		}

		res, err := l.Allow(ctx, "1.2.3.4|/v1/refresh")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.EqualValues(t, 4, res.CurrentHits)
		assert.Equal(t, 45*time.Second, res.RetryAfter)

		other, err := l.Allow(ctx, "5.6.7.8|/v1/refresh")
		require.NoError(t, err)
		assert.True(t, other.Allowed)
	})
}

func TestNewWindowResets(t *testing.T) {
	forEachLimiter(t, 1, func(t *testing.T, l Limiter, clock *clockwork.FakeClock) {
		ctx := context.Background()
		_, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.False(t, res.Allowed)

		clock.Advance(time.Minute)
		res, err = l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}

func TestRedisLimiterSetsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLimiter(rdb, "", 5, time.Minute, WithClock(clockwork.NewFakeClockAt(testEpoch)))
	_, err := l.Allow(context.Background(), "a b")
	require.NoError(t, err)

	key := "rl:a_b:" + "1772366400"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))
}
