package research

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

func testCacheConfig() config.ResearchConfig {
	return config.ResearchConfig{
		CacheTTL:        24 * time.Hour,
		FailureCacheTTL: 5 * time.Minute,
		CacheCapacity:   4,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(testCacheConfig(), slog.New(slog.DiscardHandler))
}

func TestGetOrFetchHitSkipsFetch(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	fetch := func(ctx context.Context) (types.ResearchBrief, error) {
		calls.Add(1)
		return types.ResearchBrief{Snippets: []string{"snippet"}}, nil
	}

	first := c.GetOrFetch(context.Background(), "fp1", fetch)
	second := c.GetOrFetch(context.Background(), "fp1", fetch)

	assert.Equal(t, int32(1), calls.Load(), "second call must be a cache hit")
	assert.Equal(t, first, second)
}

func TestGetOrFetchConcurrentMissesCoalesce(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (types.ResearchBrief, error) {
		calls.Add(1)
		<-release
		return types.ResearchBrief{Snippets: []string{"one"}}, nil
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]types.ResearchBrief, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.GetOrFetch(context.Background(), "same-fp", fetch)
		}()
	}
	// Give the goroutines time to pile up on the singleflight key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must issue at most one fetch")
	for _, r := range results {
		assert.Equal(t, []string{"one"}, r.Snippets)
	}
}

func TestGetOrFetchFailureCachesEmptyBrief(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	fetch := func(ctx context.Context) (types.ResearchBrief, error) {
		calls.Add(1)
		return types.ResearchBrief{}, errors.New("search provider down")
	}

	brief := c.GetOrFetch(context.Background(), "fp-fail", fetch)
	assert.True(t, brief.Empty())

	// The failure is memoized: no second external call inside the short TTL.
	_ = c.GetOrFetch(context.Background(), "fp-fail", fetch)
	assert.Equal(t, int32(1), calls.Load())

	// Fingerprints shorter than the log abbreviation are fine too.
	brief = c.GetOrFetch(context.Background(), "x", fetch)
	assert.True(t, brief.Empty())
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	var calls atomic.Int32
	fetch := func(ctx context.Context) (types.ResearchBrief, error) {
		calls.Add(1)
		return types.ResearchBrief{Snippets: []string{"s"}}, nil
	}

	c.GetOrFetch(context.Background(), "fp", fetch)
	now = now.Add(25 * time.Hour)
	c.GetOrFetch(context.Background(), "fp", fetch)

	assert.Equal(t, int32(2), calls.Load(), "expired entry must refetch")
}

func TestCacheCapacityEviction(t *testing.T) {
	c := newTestCache(t)
	fetch := func(s string) FetchFunc {
		return func(ctx context.Context) (types.ResearchBrief, error) {
			return types.ResearchBrief{Snippets: []string{s}}, nil
		}
	}

	for _, fp := range []string{"a", "b", "c", "d", "e"} {
		c.GetOrFetch(context.Background(), fp, fetch(fp))
	}
	assert.LessOrEqual(t, c.Len(), 4, "cache must not exceed capacity")
}
