package llm

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogai/backlogd/internal/types"
)

const sampleDraftJSON = `{
  "summary": "  Reduce edits before sync  ",
  "user_story": "As a PM, I want cleaner drafts so that I can sync faster.",
  "description": "Cleaner drafts reduce rework.",
  "acceptance_criteria": [
    "given a draft, when I review it, then edits are rare.",
    "Given a draft, When I review it, Then edits are rare.",
    ""
  ],
  "sub_tasks": [
    {"title": "Build editor", "description": "rich text"},
    {"title": "build editor", "description": "duplicate"},
    {"title": "", "description": "dropped"}
  ],
  "metrics": ["Edit rate", {"name": "Sync latency", "target": "2s", "timeframe": "Q3"}],
  "structured_metrics": [{"name": "Edit rate", "baseline": "5", "target": "3"}],
  "confidence": 1.7,
  "pillar_scores": {"user_value": 12, "commercial_impact": 7, "bogus": "x"},
  "research_summary": {"trends": ["AI-assisted grooming on the rise"], "risks": ["vendor lock-in"]}
}`

func TestParseDraftSanitizes(t *testing.T) {
	story, err := parseDraft(sampleDraftJSON, types.ResearchBrief{})
	require.NoError(t, err)

	assert.Equal(t, "Reduce edits before sync", story.Summary)

	// Case-insensitive dedup leaves one criterion, Gherkin-normalized.
	require.Len(t, story.AcceptanceCriteria, 1)
	assert.Equal(t, "Given a draft, When I review it, Then edits are rare.", story.AcceptanceCriteria[0])

	require.Len(t, story.SubTasks, 1)
	assert.Equal(t, "Build editor", story.SubTasks[0].Title)

	// String metrics and structured metrics merge; duplicate names collapse.
	assert.Contains(t, story.Metrics, "Edit rate")
	assert.Contains(t, story.Metrics, "Sync latency - target 2s - within Q3")
	require.Len(t, story.StructuredMetrics, 2)

	assert.Equal(t, 1.0, story.Confidence, "confidence clamps to [0,1]")
	assert.Equal(t, 10.0, story.PillarScores.UserValue, "pillar scores clamp to [0,10]")
	assert.Equal(t, 7.0, story.PillarScores.CommercialImpact)
	assert.Equal(t, 5.0, story.PillarScores.StrategicHorizon, "missing pillar defaults to midpoint")

	assert.Equal(t, []string{"AI-assisted grooming on the rise"}, story.Research.Trends)
}

func TestParseDraftStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + sampleDraftJSON + "\n```"
	story, err := parseDraft(fenced, types.ResearchBrief{})
	require.NoError(t, err)
	assert.Equal(t, "Reduce edits before sync", story.Summary)
}

func TestParseDraftMalformedFails(t *testing.T) {
	_, err := parseDraft("the model felt chatty today", types.ResearchBrief{})
	assert.Error(t, err)

	_, err = parseDraft(`{"acceptance_criteria": "not-a-list"}`, types.ResearchBrief{})
	assert.Error(t, err)
}

func TestParseDraftAppliesDefaults(t *testing.T) {
	story, err := parseDraft(`{}`, types.ResearchBrief{})
	require.NoError(t, err)

	assert.Equal(t, "Story draft", story.Summary)
	assert.NotEmpty(t, story.UserStory)
	assert.Len(t, story.AcceptanceCriteria, 3)
	assert.NotEmpty(t, story.Metrics)
	assert.NotEmpty(t, story.RolloutPlan)
	assert.NotEmpty(t, story.Assumptions)
	assert.Equal(t, 0.65, story.Confidence)
}

func TestMergeRevisionPreservesCriticalFields(t *testing.T) {
	prev := types.DraftStory{
		AcceptanceCriteria: []string{"Given x, When y, Then z."},
		Dependencies:       []string{"Auth service"},
		Metrics:            []string{"Adoption"},
		PillarScores:       types.DefaultPillarScores(),
		Research:           types.ResearchBrief{Trends: []string{"t"}},
	}
	revised := types.DraftStory{
		Summary:            "Better summary",
		AcceptanceCriteria: nil, // revision wiped these
	}

	merged := mergeRevision(prev, revised)
	assert.Equal(t, "Better summary", merged.Summary)
	assert.Equal(t, prev.AcceptanceCriteria, merged.AcceptanceCriteria)
	assert.Equal(t, prev.Dependencies, merged.Dependencies)
	assert.Equal(t, prev.Metrics, merged.Metrics)
	assert.Equal(t, prev.Research.Trends, merged.Research.Trends)
	assert.Equal(t, prev.PillarScores, merged.PillarScores)
}

func TestNormalizeGherkin(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"given a user, when they act, then it works", "Given a user, When they act, Then it works"},
		{"already Given here", "Already Given here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeGherkin(tt.in); got != tt.want {
			t.Errorf("normalizeGherkin(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeListCapsAndDedupes(t *testing.T) {
	in := []string{"a", "A", "b", "c", "d", "e", "f", "g"}
	out := sanitizeList(in, 6)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, out)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "hello", truncate("hello world", 5))

	// "héllo": é is two bytes; cutting at 2 lands mid-rune and must back up.
	got := truncate("héllo", 2)
	assert.Equal(t, "h", got)
	assert.True(t, utf8.ValidString(got))

	got = truncate("日本語のテキスト", 7)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 7)
}
