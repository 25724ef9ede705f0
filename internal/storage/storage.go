package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys
var ErrNotFound = errors.New("storage: key not found")

// Storage is the durable key-value store behind fact memory, the recent
// message buffer, profiles and style counters. Index arguments follow Redis
// semantics: negative values count from the end, stop is inclusive.
type Storage interface {
	SortedSetStorage
	ListStorage
	HashStorage

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Scan returns every live key matching a glob pattern ("user:*:facts")
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// SortedSetStorage orders members by score, lowest first
type SortedSetStorage interface {
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	// ZMaxScore returns the highest score, ok=false for an empty set
	ZMaxScore(ctx context.Context, key string) (score float64, ok bool, err error)
}

// ListStorage is a push-front list: index 0 is the newest element
type ListStorage interface {
	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

type HashStorage interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) error
	HIncrByFloat(ctx context.Context, key, field string, delta float64) error
}

// normalizeRange converts Redis-style inclusive indexes into a half-open
// [lo, hi) window over n elements. ok is false when the window is empty.
func normalizeRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
