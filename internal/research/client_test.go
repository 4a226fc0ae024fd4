package research

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint(types.NewBacklogRequest("ctx", "Reduce churn", "PM", "B2B SaaS", "", "", []string{"Linear", "Productboard"}))
	b := Fingerprint(types.NewBacklogRequest("other ctx", "  reduce churn ", "pm", "b2b saas", "x", "y", []string{"productboard", "LINEAR"}))
	assert.Equal(t, a, b, "fingerprint must ignore case, order, whitespace and non-keyed fields")

	c := Fingerprint(types.NewBacklogRequest("ctx", "Reduce churn", "PM", "B2B SaaS", "", "", []string{"Linear"}))
	assert.NotEqual(t, a, c, "different competitor sets must produce different fingerprints")
}

func TestBuildQueriesWithCompetitors(t *testing.T) {
	req := types.NewBacklogRequest("ctx", "Reduce churn", "", "B2B SaaS", "", "", []string{"Linear", "Productboard", "Jira"})
	queries := BuildQueries(req)
	require.Len(t, queries, 4)
	assert.Equal(t, "Reduce churn B2B SaaS market trends", queries[0])
	assert.Equal(t, "Reduce churn B2B SaaS user pain points complaints", queries[1])
	assert.Equal(t, "Reduce churn Linear vs Productboard features", queries[2])
	assert.Equal(t, "Reduce churn Linear vs Productboard pricing packaging comparison", queries[3])
}

func TestBuildQueriesWithoutCompetitors(t *testing.T) {
	req := types.NewBacklogRequest("ctx", "Reduce churn", "", "", "", "", nil)
	queries := BuildQueries(req)
	require.Len(t, queries, 4)
	assert.Contains(t, queries[2], "competitors alternatives")
	assert.Contains(t, queries[3], "best practices")
}

func TestParseFreshnessDays(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"3 days ago", 3, true},
		{"2 weeks ago", 14, true},
		{"1 month ago", 30, true},
		{"2 years ago", 730, true},
		{"yesterday", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := parseFreshnessDays(tt.in)
			if !tt.ok {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func serpResponse(results ...organicResult) []byte {
	b, _ := json.Marshal(searchResponse{OrganicResults: results})
	return b
}

func TestFetchAssemblesBrief(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(serpResponse(
			organicResult{Title: "Churn trends", Link: "https://www.example.com/churn", Snippet: "Churn is rising", Date: "3 days ago"},
			organicResult{Title: "Dup", Link: "https://www.example.com/churn", Snippet: "duplicate URL"},
			organicResult{Title: "No link", Snippet: "skipped"},
		))
	}))
	defer srv.Close()

	cfg := config.ResearchConfig{
		APIKey:             "test-key",
		BaseURL:            srv.URL,
		Timeout:            5 * time.Second,
		MaxRetries:         1,
		MaxSearchesPerHour: 45,
		ResultsPerQuery:    5,
	}
	client := NewClient(cfg, slog.New(slog.DiscardHandler))

	req := types.NewBacklogRequest("ctx", "Reduce churn", "", "", "", "", nil)
	brief, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)

	// All four queries return the same URL; it is deduplicated once.
	require.Len(t, brief.SourceDetails, 1)
	assert.Equal(t, "example.com", brief.SourceDetails[0].Domain)
	require.NotNil(t, brief.SourceDetails[0].FreshnessDays)
	assert.Equal(t, 3, *brief.SourceDetails[0].FreshnessDays)
	assert.Equal(t, 1, brief.Quality.SourceCount)
	assert.Equal(t, 1.0, brief.Quality.FreshnessCoverage)
	assert.Len(t, brief.Queries, 4)
}

func TestFetchWithoutAPIKeyReturnsEmptyBrief(t *testing.T) {
	client := NewClient(config.ResearchConfig{}, slog.New(slog.DiscardHandler))
	brief, err := client.Fetch(context.Background(), types.NewBacklogRequest("c", "o", "", "", "", "", nil))
	require.NoError(t, err)
	assert.True(t, brief.Empty())
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(serpResponse(organicResult{Title: "T", Link: "https://a.example.com/x", Snippet: "s"}))
	}))
	defer srv.Close()

	cfg := config.ResearchConfig{
		APIKey:             "k",
		BaseURL:            srv.URL,
		Timeout:            5 * time.Second,
		MaxRetries:         2,
		MaxSearchesPerHour: 45,
		ResultsPerQuery:    5,
	}
	client := NewClient(cfg, slog.New(slog.DiscardHandler))
	brief, err := client.Fetch(context.Background(), types.NewBacklogRequest("c", "o", "", "", "", "", nil))
	require.NoError(t, err)
	assert.False(t, brief.Empty())
}

func TestSearchBudgetSaturates(t *testing.T) {
	b := newSearchBudget(2)
	assert.True(t, b.allow())
	assert.True(t, b.allow())
	assert.False(t, b.allow(), "third search within the hour must be denied")

	// Window slides: an hour later the budget refills.
	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.True(t, b.allow())
}
