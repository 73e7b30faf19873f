package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCache(time.Minute, 0, quietLogger())
	defer m.Close()

	t.Run("miss then hit", func(t *testing.T) {
		var got sample
		require.ErrorIs(t, m.Get(ctx, "a", &got), ErrCacheMiss)

		require.NoError(t, m.Set(ctx, "a", sample{Name: "usdc", Value: 6}, 0))
		require.NoError(t, m.Get(ctx, "a", &got))
		require.Equal(t, sample{Name: "usdc", Value: 6}, got)

		stats := m.Stats()
		require.EqualValues(t, 1, stats.Hits)
		require.EqualValues(t, 1, stats.Misses)
	})

	t.Run("expiry", func(t *testing.T) {
		now := time.Now()
		m.now = func() time.Time { return now }
		require.NoError(t, m.Set(ctx, "b", sample{Name: "dai"}, time.Second))

		m.now = func() time.Time { return now.Add(2 * time.Second) }
		var got sample
		require.ErrorIs(t, m.Get(ctx, "b", &got), ErrCacheMiss)
		require.GreaterOrEqual(t, m.purgeExpired(), 1)
		m.now = time.Now
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "c", sample{}, 0))
		require.NoError(t, m.Delete(ctx, "c"))
		var got sample
		require.ErrorIs(t, m.Get(ctx, "c", &got), ErrCacheMiss)
	})
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	r := newRedisCacheWithClient(client, "test:", time.Minute, quietLogger())
	defer r.Close()

	var got sample
	require.ErrorIs(t, r.Get(ctx, "k", &got), ErrCacheMiss)

	require.NoError(t, r.Set(ctx, "k", sample{Name: "usdt", Value: 6}, 0))
	require.True(t, srv.Exists("test:k"))
	require.NoError(t, r.Get(ctx, "k", &got))
	require.Equal(t, "usdt", got.Name)

	srv.FastForward(2 * time.Minute)
	require.ErrorIs(t, r.Get(ctx, "k", &got), ErrCacheMiss)

	require.NoError(t, r.Set(ctx, "x", sample{}, time.Hour))
	require.NoError(t, r.Delete(ctx, "x"))
	require.False(t, srv.Exists("test:x"))
	require.NoError(t, r.Ping(ctx))
	require.Equal(t, "redis", r.Backend())
}
