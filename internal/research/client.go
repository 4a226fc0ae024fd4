// Package research provides the market-research adapter and brief cache.
// Briefs are fetched from a SerpAPI-compatible search endpoint and
// memoized by normalized request fingerprint.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

const (
	maxSnippets = 15
	maxSources  = 12
)

// Client fetches research inputs from a search provider. A zero API key
// disables external calls; Fetch then returns an empty brief.
type Client struct {
	cfg        config.ResearchConfig
	httpClient *http.Client
	log        *slog.Logger
	budget     *searchBudget
}

// NewClient creates a research client.
func NewClient(cfg config.ResearchConfig, log *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		budget:     newSearchBudget(cfg.MaxSearchesPerHour),
	}
}

type organicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date"`
}

type searchResponse struct {
	OrganicResults []organicResult `json:"organic_results"`
}

// Fetch runs the research queries for the request and assembles a brief
// holding raw snippets and source details. Queries run in parallel with a
// small bound; a query that fails after retries is skipped, not fatal.
func (c *Client) Fetch(ctx context.Context, req types.BacklogRequest) (types.ResearchBrief, error) {
	if c.cfg.APIKey == "" {
		return types.ResearchBrief{}, nil
	}

	queries := BuildQueries(req)

	var mu sync.Mutex
	perQuery := make([][]organicResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, q := range queries {
		if !c.budget.allow() {
			c.log.Warn("research search budget exhausted", "query", q)
			break
		}
		g.Go(func() error {
			results, err := c.search(gctx, q)
			if err != nil {
				c.log.Warn("research query failed", "query", q, "error", err)
				return nil
			}
			mu.Lock()
			perQuery[i] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.ResearchBrief{}, err
	}

	brief := assembleBrief(queries, perQuery)
	if brief.Empty() {
		return brief, fmt.Errorf("research: no results for %d queries", len(queries))
	}
	return brief, nil
}

// search executes one query with bounded retry. Network errors, 429 and
// 5xx are transient; other HTTP errors are permanent.
func (c *Client) search(ctx context.Context, query string) ([]organicResult, error) {
	params := url.Values{
		"api_key": {c.cfg.APIKey},
		"engine":  {"google"},
		"q":       {query},
		"num":     {strconv.Itoa(c.cfg.ResultsPerQuery)},
	}
	reqURL := c.cfg.BaseURL + "?" + params.Encode()

	var results []organicResult
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries))
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("search API returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("search API returned %d: %s", resp.StatusCode, string(body)))
		}

		var parsed searchResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("parse search response: %w", err))
		}
		results = parsed.OrganicResults
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return results, nil
}

// assembleBrief flattens per-query results into a brief: URL-deduplicated
// source details, capped snippet and source lists, and quality counters.
func assembleBrief(queries []string, perQuery [][]organicResult) types.ResearchBrief {
	var snippets []string
	var details []types.ResearchSource
	seenURLs := make(map[string]bool)

	for _, results := range perQuery {
		for _, item := range results {
			snippet := strings.TrimSpace(item.Snippet)
			if snippet == "" {
				snippet = strings.TrimSpace(item.Title)
			}
			link := strings.TrimSpace(item.Link)
			domain := extractDomain(link)
			if link == "" || domain == "" || seenURLs[link] {
				continue
			}
			seenURLs[link] = true

			if snippet != "" {
				snippets = append(snippets, snippet)
			}
			details = append(details, types.ResearchSource{
				ID:            len(details) + 1,
				URL:           link,
				Domain:        domain,
				Title:         strings.TrimSpace(item.Title),
				Snippet:       snippet,
				FreshnessDays: parseFreshnessDays(item.Date),
			})
		}
	}

	if len(snippets) > maxSnippets {
		snippets = snippets[:maxSnippets]
	}
	if len(details) > maxSources {
		details = details[:maxSources]
	}

	sources := make([]string, 0, len(details))
	domains := make(map[string]bool)
	freshnessKnown := 0
	for _, d := range details {
		sources = append(sources, d.URL)
		domains[d.Domain] = true
		if d.FreshnessDays != nil {
			freshnessKnown++
		}
	}

	quality := types.ResearchQuality{
		SourceCount:       len(details),
		UniqueDomainCount: len(domains),
	}
	if len(details) > 0 {
		quality.FreshnessCoverage = round2(float64(freshnessKnown) / float64(len(details)))
	}

	return types.ResearchBrief{
		Queries:       queries,
		Snippets:      snippets,
		Sources:       sources,
		SourceDetails: details,
		Quality:       quality,
	}
}

func extractDomain(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// searchBudget enforces a sliding-window hourly cap on external searches.
type searchBudget struct {
	mu         sync.Mutex
	max        int
	timestamps []time.Time
	now        func() time.Time
}

func newSearchBudget(max int) *searchBudget {
	return &searchBudget{max: max, now: time.Now}
}

// allow records and permits a search if the hourly budget has room.
func (b *searchBudget) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-time.Hour)
	kept := b.timestamps[:0]
	for _, t := range b.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.timestamps = kept

	if len(b.timestamps) >= b.max {
		return false
	}
	b.timestamps = append(b.timestamps, b.now())
	return true
}
