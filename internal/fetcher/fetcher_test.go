package fetcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(req *http.Request, status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func profile(name string, rt roundTripFunc) Profile {
	return Profile{Name: name, Client: &http.Client{Transport: rt}}
}

// hang blocks until the request is cancelled and records that it was
func hang(cancelled *atomic.Bool) roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		select {
		case <-req.Context().Done():
			cancelled.Store(true)
			return nil, req.Context().Err()
		case <-time.After(5 * time.Second):
			return respond(req, http.StatusOK, "text/html", eventPage), nil
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 2 * time.Second
	return cfg
}

func TestFetchFirstSuccessWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cancelled atomic.Bool
	var gotUA atomic.Value
	chrome := Profile{
		Name:    "chrome",
		Headers: map[string]string{"User-Agent": "chrome-test"},
		Client: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			gotUA.Store(req.Header.Get("User-Agent"))
			return respond(req, http.StatusOK, "text/html; charset=utf-8", eventPage), nil
		})},
	}
	f := New(testConfig(), []Profile{chrome, profile("safari", hang(&cancelled))}, zap.NewNop())

	payload := f.Fetch(context.Background(), "https://example.com/jazz?utm_source=tg")
	assert.True(t, strings.HasPrefix(payload, "Event: Jazz Night"))
	assert.Contains(t, payload, "[Page content]:")
	assert.False(t, IsDegraded(payload))
	assert.True(t, cancelled.Load(), "losing attempt cancelled")
	assert.Equal(t, "chrome-test", gotUA.Load())
}

func TestFetchHardBlockReturnsDegradedImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cancelled atomic.Bool
	blocked := profile("chrome", func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusForbidden, "text/html",
			"<html><body>Checking your browser before accessing</body></html>"), nil
	})
	f := New(testConfig(), []Profile{blocked, profile("safari", hang(&cancelled))}, zap.NewNop())

	start := time.Now()
	payload := f.Fetch(context.Background(), "https://www.tickettailor.com/events/org/123#x")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.True(t, cancelled.Load(), "remaining attempts cancelled")
	assert.True(t, IsDegraded(payload))
	assert.Contains(t, payload, "TicketTailor")
	assert.Contains(t, payload, "URL: https://www.tickettailor.com/events/org/123")
	assert.Contains(t, payload, "DO NOT interpret or guess")
}

func TestFetchChallengePageCountsAsBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	challenge := profile("chrome", func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, "text/html",
			"<html><head><title>Just a moment...</title></head><body>Ray ID: 1234</body></html>"), nil
	})
	var cancelled atomic.Bool
	f := New(testConfig(), []Profile{challenge, profile("safari", hang(&cancelled))}, zap.NewNop())

	payload := f.Fetch(context.Background(), "https://example.com/page")
	assert.True(t, IsDegraded(payload))
	assert.Contains(t, payload, "Site: example.com")
}

func TestFetchFailedAttemptDoesNotDecideRace(t *testing.T) {
	defer goleak.VerifyNone(t)

	notFound := profile("chrome", func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusNotFound, "text/html", "<html>missing</html>"), nil
	})
	slowOK := profile("safari", func(req *http.Request) (*http.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return respond(req, http.StatusOK, "text/html", eventPage), nil
	})
	f := New(testConfig(), []Profile{notFound, slowOK}, zap.NewNop())

	payload := f.Fetch(context.Background(), "https://example.com/jazz")
	assert.False(t, IsDegraded(payload))
	assert.Contains(t, payload, "Venue: Fotografiska")
}

func TestFetchAllFailed(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := func(name string) Profile {
		return profile(name, func(req *http.Request) (*http.Response, error) {
			return respond(req, http.StatusInternalServerError, "text/html", ""), nil
		})
	}
	f := New(testConfig(), []Profile{broken("chrome"), broken("safari")}, zap.NewNop())

	payload := f.Fetch(context.Background(), "https://example.com/down")
	assert.True(t, IsDegraded(payload))
}

func TestFetchEmptyExtractionIsDegraded(t *testing.T) {
	defer goleak.VerifyNone(t)

	empty := profile("chrome", func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, "text/html", "<html><body><p>hi</p></body></html>"), nil
	})
	f := New(testConfig(), []Profile{empty}, zap.NewNop())

	assert.True(t, IsDegraded(f.Fetch(context.Background(), "https://example.com/empty")))
}

func TestFetchCachesByNormalizedURL(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int64
	ok := func(name string) Profile {
		return profile(name, func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return respond(req, http.StatusOK, "text/html", eventPage), nil
		})
	}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	f := NewWithClock(testConfig(), []Profile{ok("chrome"), ok("safari")}, zap.NewNop(), now)
	ctx := context.Background()

	first := f.Fetch(ctx, "https://example.com/jazz?utm_source=fb")
	second := f.Fetch(ctx, "https://example.com/jazz#details")
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.Races())
	assert.Equal(t, 1, f.cache.len())

	clockMu.Lock()
	clock = clock.Add(301 * time.Second)
	clockMu.Unlock()

	f.Fetch(ctx, "https://example.com/jazz")
	assert.EqualValues(t, 2, f.Races(), "expired entry refetched")
	assert.LessOrEqual(t, calls.Load(), int64(4))
}

func TestFetchCachesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int64
	blocked := profile("chrome", func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(req, http.StatusTooManyRequests, "text/html", ""), nil
	})
	f := New(testConfig(), []Profile{blocked}, zap.NewNop())

	a := f.Fetch(context.Background(), "https://example.com/x")
	b := f.Fetch(context.Background(), "https://example.com/x")
	assert.Equal(t, a, b)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchConcurrentCallersShareOneRace(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	gated := profile("chrome", func(req *http.Request) (*http.Response, error) {
		<-release
		return respond(req, http.StatusOK, "text/html", eventPage), nil
	})
	f := New(testConfig(), []Profile{gated}, zap.NewNop())

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.Fetch(context.Background(), "https://example.com/jazz")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, f.Races())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestFetchCancelledCallerIsNotCached(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cancelled atomic.Bool
	f := New(testConfig(), []Profile{profile("chrome", hang(&cancelled))}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	payload := f.Fetch(ctx, "https://example.com/slow")
	require.True(t, IsDegraded(payload))
	assert.True(t, cancelled.Load())
	assert.Zero(t, f.cache.len())
}

func TestResultCachePrunesExpired(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newResultCache(time.Minute, 2, func() time.Time { return clock })

	c.put("a", "1")
	c.put("b", "2")
	clock = clock.Add(2 * time.Minute)
	c.put("c", "3")

	assert.Equal(t, 1, c.len())
	_, ok := c.get("a")
	assert.False(t, ok)
	v, ok := c.get("c")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}
