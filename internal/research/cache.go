package research

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/telemetry"
	"github.com/backlogai/backlogd/internal/types"
)

// cacheMetrics holds lazily-initialized OTel instruments for brief lookups.
var cacheMetrics struct {
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

var cacheMetricsOnce sync.Once

func initCacheMetrics() {
	m := telemetry.Meter("github.com/backlogai/backlogd/research")
	cacheMetrics.hits, _ = m.Int64Counter("backlogd.research.cache.hits",
		metric.WithDescription("Research brief cache hits"),
	)
	cacheMetrics.misses, _ = m.Int64Counter("backlogd.research.cache.misses",
		metric.WithDescription("Research brief cache misses"),
	)
}

// FetchFunc fetches a fresh brief on cache miss.
type FetchFunc func(ctx context.Context) (types.ResearchBrief, error)

type cacheEntry struct {
	brief     types.ResearchBrief
	expiresAt time.Time
	storedAt  time.Time
}

// Cache memoizes research briefs by request fingerprint. Concurrent
// misses on the same fingerprint coalesce into a single fetch; a failed
// fetch is cached as a short-TTL empty brief so generation proceeds in
// degraded mode instead of erroring.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	group    singleflight.Group
	ttl      time.Duration
	failTTL  time.Duration
	capacity int
	log      *slog.Logger
	now      func() time.Time
}

// NewCache creates a brief cache from config.
func NewCache(cfg config.ResearchConfig, log *slog.Logger) *Cache {
	return &Cache{
		entries:  make(map[string]cacheEntry),
		ttl:      cfg.CacheTTL,
		failTTL:  cfg.FailureCacheTTL,
		capacity: cfg.CacheCapacity,
		log:      log,
		now:      time.Now,
	}
}

// GetOrFetch returns the cached brief for fingerprint, or invokes fetch
// exactly once across concurrent callers and stores the result. Never
// returns an error: fetch failures degrade to an empty brief.
func (c *Cache) GetOrFetch(ctx context.Context, fingerprint string, fetch FetchFunc) types.ResearchBrief {
	cacheMetricsOnce.Do(initCacheMetrics)
	if brief, ok := c.get(fingerprint); ok {
		if cacheMetrics.hits != nil {
			cacheMetrics.hits.Add(ctx, 1)
		}
		return brief
	}
	if cacheMetrics.misses != nil {
		cacheMetrics.misses.Add(ctx, 1)
	}

	v, _, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// A racing caller may have populated the entry while we queued.
		if brief, ok := c.get(fingerprint); ok {
			return brief, nil
		}

		brief, err := fetch(ctx)
		if err != nil {
			c.log.Warn("research fetch failed, caching empty brief",
				"fingerprint", shortFingerprint(fingerprint), "error", err)
			empty := types.ResearchBrief{}
			c.put(fingerprint, empty, c.failTTL)
			return empty, nil
		}
		c.put(fingerprint, brief, c.ttl)
		return brief, nil
	})
	return v.(types.ResearchBrief)
}

func (c *Cache) get(fingerprint string) (types.ResearchBrief, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return types.ResearchBrief{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, fingerprint)
		return types.ResearchBrief{}, false
	}
	return entry.brief, true
}

func (c *Cache) put(fingerprint string, brief types.ResearchBrief, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	now := c.now()
	c.entries[fingerprint] = cacheEntry{
		brief:     brief,
		expiresAt: now.Add(ttl),
		storedAt:  now,
	}
}

// evictOldestLocked drops expired entries, then the oldest stored entry
// if the cache is still full. Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// shortFingerprint abbreviates a fingerprint for log lines. Callers may
// pass keys of any length.
func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
