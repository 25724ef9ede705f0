package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	AttemptTimeout time.Duration
	CacheTTL       time.Duration
	CacheSize      int
	MaxBodyBytes   int64
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 20 * time.Second,
		CacheTTL:       300 * time.Second,
		CacheSize:      50,
		MaxBodyBytes:   2 << 20,
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeBlocked
	outcomeSuccess
)

type attemptResult struct {
	profile string
	outcome outcome
	page    *Page
	status  int
	err     error
}

// Fetcher retrieves readable content for a URL. Fetch never fails: when no
// profile gets through it returns a degraded notice instead of page content.
type Fetcher struct {
	cfg      Config
	profiles []Profile
	cache    *resultCache
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time

	races int64
	mu    sync.Mutex
}

func New(cfg Config, profiles []Profile, logger *zap.Logger) *Fetcher {
	return NewWithClock(cfg, profiles, logger, time.Now)
}

func NewWithClock(cfg Config, profiles []Profile, logger *zap.Logger, now func() time.Time) *Fetcher {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	return &Fetcher{
		cfg:      cfg,
		profiles: profiles,
		cache:    newResultCache(cfg.CacheTTL, cfg.CacheSize, now),
		logger:   logger.Named("fetcher"),
		now:      now,
	}
}

// Races is the number of network races started so far
func (f *Fetcher) Races() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.races
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) string {
	key := Normalize(rawURL)
	if payload, ok := f.cache.get(key); ok {
		f.logger.Debug("URL cache hit", zap.String("url", key))
		return payload
	}

	v, _, _ := f.group.Do(key, func() (any, error) {
		if payload, ok := f.cache.get(key); ok {
			return payload, nil
		}

		start := f.now()
		payload, ok := f.race(ctx, key)
		elapsed := f.now().Sub(start)
		if !ok {
			f.logger.Warn("URL not accessible",
				zap.String("url", key),
				zap.Duration("elapsed", elapsed))
			payload = DegradedPayload(key)
		} else {
			f.logger.Info("Fetched URL",
				zap.String("url", key),
				zap.Int("chars", len(payload)),
				zap.Duration("elapsed", elapsed))
		}

		// a cancelled caller says nothing about the page
		if ctx.Err() == nil {
			f.cache.put(key, payload)
		}
		return payload, nil
	})
	return v.(string)
}

// race runs every profile concurrently. The first hard block or the first
// clean page decides the race and cancels the other attempts.
func (f *Fetcher) race(ctx context.Context, target string) (string, bool) {
	f.mu.Lock()
	f.races++
	f.mu.Unlock()

	var wg sync.WaitGroup
	defer wg.Wait()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(f.profiles))
	for _, p := range f.profiles {
		wg.Add(1)
		go func(p Profile) {
			defer wg.Done()
			results <- f.attempt(raceCtx, p, target)
		}(p)
	}

	for range f.profiles {
		r := <-results
		switch r.outcome {
		case outcomeBlocked:
			f.logger.Warn("Bot protection detected, cancelling other attempts",
				zap.String("url", target),
				zap.String("profile", r.profile),
				zap.Int("status", r.status))
			return "", false
		case outcomeSuccess:
			content := r.page.Content()
			if content == "" {
				f.logger.Warn("No content extracted",
					zap.String("url", target),
					zap.String("profile", r.profile))
				return "", false
			}
			return content, true
		default:
			f.logger.Warn("Fetch attempt failed",
				zap.String("url", target),
				zap.String("profile", r.profile),
				zap.Int("status", r.status),
				zap.Error(r.err))
		}
	}
	return "", false
}

func isSoftBlockStatus(status int) bool {
	return status == http.StatusForbidden ||
		status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable
}

func (f *Fetcher) attempt(ctx context.Context, p Profile, target string) attemptResult {
	res := attemptResult{profile: p.Name}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.err = fmt.Errorf("failed to create request: %w", err)
		return res
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		res.err = err
		return res
	}
	defer resp.Body.Close()
	res.status = resp.StatusCode

	if isSoftBlockStatus(resp.StatusCode) {
		res.outcome = outcomeBlocked
		return res
	}
	if resp.StatusCode >= 400 {
		res.err = fmt.Errorf("HTTP %d", resp.StatusCode)
		return res
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		res.err = fmt.Errorf("failed to read response: %w", err)
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.err = fmt.Errorf("HTTP %d", resp.StatusCode)
		return res
	}

	page, err := ParsePage(body, resp.Header.Get("Content-Type"), target)
	if err != nil {
		res.err = fmt.Errorf("failed to parse page: %w", err)
		return res
	}
	if page.LooksBlocked() {
		res.outcome = outcomeBlocked
		return res
	}

	res.outcome = outcomeSuccess
	res.page = page
	return res
}
