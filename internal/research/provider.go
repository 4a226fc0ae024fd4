package research

import (
	"context"
	"log/slog"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

// Provider is the cache-fronted research entry point the orchestrator
// uses. Lookups are keyed by request fingerprint; misses fan out to the
// search adapter.
type Provider struct {
	cache  *Cache
	client *Client
}

// NewProvider wires a cache and search client from config.
func NewProvider(cfg config.ResearchConfig, log *slog.Logger) *Provider {
	return &Provider{
		cache:  NewCache(cfg, log),
		client: NewClient(cfg, log),
	}
}

// Brief returns the research brief for a request, fetching on miss.
// Never fails: unreachable search degrades to an empty brief.
func (p *Provider) Brief(ctx context.Context, req types.BacklogRequest) types.ResearchBrief {
	return p.cache.GetOrFetch(ctx, Fingerprint(req), func(ctx context.Context) (types.ResearchBrief, error) {
		return p.client.Fetch(ctx, req)
	})
}
