package storage

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

type zmember struct {
	member string
	score  float64
}

// MemoryStorage keeps everything in process memory. Used for tests, for the
// in-memory mode and as the fallback when the configured backend is down.
type MemoryStorage struct {
	mu      sync.RWMutex
	strings map[string]string
	zsets   map[string][]zmember
	lists   map[string][]string
	hashes  map[string]map[string]string
	expiry  map[string]time.Time
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		strings: make(map[string]string),
		zsets:   make(map[string][]zmember),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for TTL checks
func (s *MemoryStorage) WithClock(now func() time.Time) *MemoryStorage {
	s.now = now
	return s
}

// purgeIfExpired must be called with the write lock held
func (s *MemoryStorage) purgeIfExpired(key string) {
	if at, ok := s.expiry[key]; ok && !s.now().Before(at) {
		s.deleteKey(key)
	}
}

func (s *MemoryStorage) deleteKey(key string) {
	delete(s.strings, key)
	delete(s.zsets, key)
	delete(s.lists, key)
	delete(s.hashes, key)
	delete(s.expiry, key)
}

func (s *MemoryStorage) exists(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	_, ok := s.hashes[key]
	return ok
}

// Sorted sets

func (s *MemoryStorage) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	set := s.zsets[key]
	for i, m := range set {
		if m.member == member {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	set = append(set, zmember{member: member, score: score})
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].score == set[j].score {
			return set[i].member < set[j].member
		}
		return set[i].score < set[j].score
	})
	s.zsets[key] = set
	return nil
}

func (s *MemoryStorage) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStorage) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	set := s.zsets[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(set)))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, hi-lo)
	for _, m := range set[lo:hi] {
		out = append(out, m.member)
	}
	return out, nil
}

func (s *MemoryStorage) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	set := s.zsets[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(set)))
	if !ok {
		return nil
	}
	kept := append([]zmember{}, set[:lo]...)
	kept = append(kept, set[hi:]...)
	if len(kept) == 0 {
		s.deleteKey(key)
		return nil
	}
	s.zsets[key] = kept
	return nil
}

func (s *MemoryStorage) ZMaxScore(ctx context.Context, key string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	set := s.zsets[key]
	if len(set) == 0 {
		return 0, false, nil
	}
	return set[len(set)-1].score, true, nil
}

// Lists

func (s *MemoryStorage) LPush(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)
	s.lists[key] = append([]string{value}, s.lists[key]...)
	return nil
}

func (s *MemoryStorage) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	list := s.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		s.deleteKey(key)
		return nil
	}
	s.lists[key] = append([]string{}, list[lo:hi]...)
	return nil
}

func (s *MemoryStorage) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	list := s.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, list[lo:hi]...), nil
}

// Hashes

func (s *MemoryStorage) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStorage) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	h[field] = strconv.FormatInt(cur+delta, 10)
	return nil
}

func (s *MemoryStorage) HIncrByFloat(ctx context.Context, key, field string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur, _ := strconv.ParseFloat(h[field], 64)
	h[field] = strconv.FormatFloat(cur+delta, 'f', -1, 64)
	return nil
}

// Plain keys

func (s *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	v, ok := s.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteKey(key)
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeIfExpired(key)

	if !s.exists(key) {
		return nil
	}
	s.expiry[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStorage) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.deleteKey(k)
	}
	return nil
}

func (s *MemoryStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(key string) {
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}
	for k := range s.lists {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		s.purgeIfExpired(k)
		if s.exists(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
