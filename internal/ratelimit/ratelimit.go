package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	Cooldown      time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cooldown:      5 * time.Second,
		MaxAge:        5 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// RateLimiter tracks the last served request per actor. Check never mutates
// state; Commit is called only once a request is actually going to be served.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       Config
	last      map[int64]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func New(cfg Config) *RateLimiter {
	return NewWithClock(cfg, time.Now)
}

func NewWithClock(cfg Config, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		cfg:       cfg,
		last:      make(map[int64]time.Time),
		lastSweep: now(),
		now:       now,
	}
}

// Check returns whether the actor is still cooling down and how many whole
// seconds remain, rounded up.
func (r *RateLimiter) Check(actor int64) (limited bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.last[actor]
	if !ok {
		return false, 0
	}
	left := r.cfg.Cooldown - r.now().Sub(last)
	if left <= 0 {
		return false, 0
	}
	return true, int(math.Ceil(left.Seconds()))
}

func (r *RateLimiter) Commit(actor int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[actor] = r.now()
}

// Sweep drops actors idle longer than MaxAge. It runs at most once per
// SweepInterval and returns the number of evicted entries.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) < r.cfg.SweepInterval {
		return 0
	}
	r.lastSweep = now

	evicted := 0
	for actor, last := range r.last {
		if now.Sub(last) > r.cfg.MaxAge {
			delete(r.last, actor)
			evicted++
		}
	}
	return evicted
}

// Len is the number of tracked actors
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}
