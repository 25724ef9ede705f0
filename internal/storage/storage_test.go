package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type backend struct {
	name    string
	store   Storage
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemoryStorage().WithClock(func() time.Time { return clock })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return []backend{
		{
			name:    "memory",
			store:   mem,
			advance: func(d time.Duration) { clock = clock.Add(d) },
		},
		{
			name:    "redis",
			store:   NewRedisStorageFromClient(client, zap.NewNop()),
			advance: mr.FastForward,
		},
	}
}

func TestSortedSetOrderingAndTrim(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.store
			for i, member := range []string{"a", "b", "c", "d"} {
				require.NoError(t, s.ZAdd(ctx, "z", member, float64(10+i)))
			}
			// re-adding updates the score in place
			require.NoError(t, s.ZAdd(ctx, "z", "a", 20))

			got, err := s.ZRange(ctx, "z", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c", "d", "a"}, got)

			n, err := s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.EqualValues(t, 4, n)

			// keep the newest two
			require.NoError(t, s.ZRemRangeByRank(ctx, "z", 0, -3))
			got, err = s.ZRange(ctx, "z", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"d", "a"}, got)

			score, ok, err := s.ZMaxScore(ctx, "z")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 20.0, score)

			_, ok, err = s.ZMaxScore(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.store
			for _, v := range []string{"one", "two", "three", "four"} {
				require.NoError(t, s.LPush(ctx, "l", v))
			}
			require.NoError(t, s.LTrim(ctx, "l", 0, 2))

			got, err := s.LRange(ctx, "l", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"four", "three", "two"}, got)

			got, err = s.LRange(ctx, "l", 0, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"four"}, got)

			got, err = s.LRange(ctx, "empty", 0, -1)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestHashCounters(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.store
			require.NoError(t, s.HSet(ctx, "h", map[string]string{"name": "Ann"}))
			require.NoError(t, s.HIncrBy(ctx, "h", "total", 2))
			require.NoError(t, s.HIncrBy(ctx, "h", "total", 3))
			require.NoError(t, s.HIncrByFloat(ctx, "h", "len", 1.5))

			got, err := s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, "Ann", got["name"])
			assert.Equal(t, "5", got["total"])
			assert.Equal(t, "1.5", got["len"])
		})
	}
}

func TestKeyExpiry(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.store
			require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
			require.NoError(t, s.ZAdd(ctx, "z", "m", 1))
			require.NoError(t, s.Expire(ctx, "z", time.Minute))

			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", v)

			b.advance(2 * time.Minute)

			_, err = s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			n, err := s.ZCard(ctx, "z")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestScanAndDel(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			s := b.store
			require.NoError(t, s.ZAdd(ctx, "user:1:facts", "a", 1))
			require.NoError(t, s.ZAdd(ctx, "user:2:facts", "b", 1))
			require.NoError(t, s.HSet(ctx, "user:1:profile", map[string]string{"name": "x"}))
			require.NoError(t, s.ZAdd(ctx, "group:5:facts", "c", 1))

			keys, err := s.Scan(ctx, "user:*:facts")
			require.NoError(t, err)
			assert.Equal(t, []string{"user:1:facts", "user:2:facts"}, keys)

			require.NoError(t, s.Del(ctx, "user:1:facts", "user:1:profile"))
			keys, err = s.Scan(ctx, "user:*")
			require.NoError(t, err)
			assert.Equal(t, []string{"user:2:facts"}, keys)
		})
	}
}

func TestNormalizeRange(t *testing.T) {
	tests := []struct {
		start, stop, n int64
		lo, hi         int64
		ok             bool
	}{
		{0, -1, 5, 0, 5, true},
		{0, -21, 25, 0, 5, true},
		{0, -21, 20, 0, 0, false},
		{-2, -1, 5, 3, 5, true},
		{3, 10, 5, 3, 5, true},
		{0, 0, 0, 0, 0, false},
	}
	for _, tt := range tests {
		lo, hi, ok := normalizeRange(tt.start, tt.stop, tt.n)
		assert.Equal(t, tt.ok, ok, "%+v", tt)
		if tt.ok {
			assert.Equal(t, tt.lo, lo, "%+v", tt)
			assert.Equal(t, tt.hi, hi, "%+v", tt)
		}
	}
}

func TestGlobToLike(t *testing.T) {
	assert.Equal(t, `user:%:facts`, globToLike("user:*:facts"))
	assert.Equal(t, `chat:_:quiet`, globToLike("chat:?:quiet"))
	assert.Equal(t, `a\_b\%`, globToLike("a_b%"))
}
