package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/backlogai/backlogd/internal/types"
)

// List caps applied during sanitization. The model is asked for concise
// lists; these enforce it regardless of what comes back.
const (
	maxListItems     = 6
	maxMetrics       = 8
	maxSubTasks      = 8
	maxShortList     = 5
	maxSummaryLen    = 160
	maxSubTaskTitle  = 120
	maxSubTaskDetail = 400
)

// rawDraft is the loosely-typed shape decoded straight from model output.
// Every field tolerates absence; type mismatches fail the decode and are
// treated as a generation degrade by the caller.
type rawDraft struct {
	Summary            string            `json:"summary"`
	UserStory          string            `json:"user_story"`
	Description        string            `json:"description"`
	AcceptanceCriteria []string          `json:"acceptance_criteria"`
	SubTasks           []rawSubTask      `json:"sub_tasks"`
	Dependencies       []string          `json:"dependencies"`
	Risks              []string          `json:"risks"`
	Metrics            []json.RawMessage `json:"metrics"`
	StructuredMetrics  []json.RawMessage `json:"structured_metrics"`
	RolloutPlan        []string          `json:"rollout_plan"`
	NonFunctionalReqs  []string          `json:"non_functional_reqs"`
	Assumptions        []string          `json:"assumptions"`
	OpenQuestions      []string          `json:"open_questions"`
	OutOfScope         []string          `json:"out_of_scope"`
	Confidence         *float64          `json:"confidence"`
	ResearchSummary    rawResearch       `json:"research_summary"`
	PillarScores       map[string]any    `json:"pillar_scores"`
}

type rawSubTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type rawResearch struct {
	Trends             []string `json:"trends"`
	CompetitorFeatures []string `json:"competitor_features"`
	Differentiators    []string `json:"differentiators"`
	Risks              []string `json:"risks"`
}

type rawMetric struct {
	Name      string `json:"name"`
	Baseline  string `json:"baseline"`
	Target    string `json:"target"`
	Timeframe string `json:"timeframe"`
	Owner     string `json:"owner"`
}

// extractJSON strips markdown code fences the model sometimes wraps
// around its JSON payload.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	// Fall back to the outermost object if the model added prose.
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start >= 0 && end > start {
			text = text[start : end+1]
		}
	}
	return strings.TrimSpace(text)
}

// parseDraft decodes and sanitizes model output into a DraftStory,
// attaching the research brief (claims from the model, sources and
// quality from the fetch) and the citation map derived from both.
func parseDraft(text string, brief types.ResearchBrief) (types.DraftStory, error) {
	var raw rawDraft
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return types.DraftStory{}, fmt.Errorf("decode draft: %w", err)
	}
	return sanitizeDraft(raw, brief), nil
}

func sanitizeDraft(raw rawDraft, brief types.ResearchBrief) types.DraftStory {
	metrics, structured := sanitizeMetrics(raw.Metrics, raw.StructuredMetrics)

	story := types.DraftStory{
		Summary:            truncate(strings.TrimSpace(raw.Summary), maxSummaryLen),
		UserStory:          strings.TrimSpace(raw.UserStory),
		Description:        strings.TrimSpace(raw.Description),
		AcceptanceCriteria: sanitizeCriteria(raw.AcceptanceCriteria),
		SubTasks:           sanitizeSubTasks(raw.SubTasks),
		Dependencies:       sanitizeList(raw.Dependencies, maxListItems),
		Risks:              sanitizeList(raw.Risks, maxListItems),
		Metrics:            metrics,
		StructuredMetrics:  structured,
		RolloutPlan:        sanitizeList(raw.RolloutPlan, maxListItems),
		NonFunctionalReqs:  sanitizeList(raw.NonFunctionalReqs, maxListItems),
		Assumptions:        sanitizeList(raw.Assumptions, maxShortList),
		OpenQuestions:      sanitizeList(raw.OpenQuestions, maxShortList),
		OutOfScope:         sanitizeList(raw.OutOfScope, maxShortList),
		Confidence:         sanitizeConfidence(raw.Confidence),
		PillarScores:       sanitizePillarScores(raw.PillarScores),
	}

	story.Research = attachResearch(raw.ResearchSummary, brief)
	applyDraftDefaults(&story)
	return story
}

// attachResearch merges model claims with the fetched brief's sources
// and computes citation coverage.
func attachResearch(raw rawResearch, brief types.ResearchBrief) types.ResearchBrief {
	out := brief
	out.Trends = sanitizeList(raw.Trends, maxListItems)
	out.CompetitorFeatures = sanitizeList(raw.CompetitorFeatures, maxListItems)
	out.Differentiators = sanitizeList(raw.Differentiators, maxListItems)
	out.Risks = sanitizeList(raw.Risks, maxListItems)
	out.CitationMap = buildCitationMap(out)

	out.Quality.SourceCount = len(out.SourceDetails)
	domains := make(map[string]bool)
	for _, d := range out.SourceDetails {
		if d.Domain != "" {
			domains[d.Domain] = true
		}
	}
	out.Quality.UniqueDomainCount = len(domains)
	if total := out.ClaimCount(); total > 0 {
		out.Quality.CitationCoverage = round2(float64(len(out.CitationMap)) / float64(total))
	} else {
		out.Quality.CitationCoverage = 0
	}
	return out
}

func applyDraftDefaults(story *types.DraftStory) {
	if story.Summary == "" {
		story.Summary = "Story draft"
	}
	if story.UserStory == "" {
		story.UserStory = "As a user, I want this capability so that I can achieve the desired outcome."
	}
	if story.Description == "" {
		story.Description = story.UserStory
	}
	if len(story.AcceptanceCriteria) == 0 {
		story.AcceptanceCriteria = []string{
			"Given the user accesses the feature, When the primary flow is executed, Then the expected outcome is achieved.",
			"Given invalid input, When the user submits the request, Then a clear validation message is shown.",
			"Given a system error occurs, When the operation fails, Then the user receives an actionable error message.",
		}
	}
	if len(story.Metrics) == 0 {
		story.Metrics = []string{"Feature adoption rate", "Task completion rate"}
	}
	if len(story.RolloutPlan) == 0 {
		story.RolloutPlan = []string{"Internal QA", "Pilot release", "General availability"}
	}
	if len(story.Assumptions) == 0 {
		story.Assumptions = []string{"Core user journey remains unchanged outside this story scope"}
	}
}

// sanitizeList trims, drops blanks, deduplicates case-insensitively
// preserving order, and caps length.
func sanitizeList(values []string, max int) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}

// sanitizeCriteria normalizes Gherkin keyword casing after list cleanup.
func sanitizeCriteria(criteria []string) []string {
	cleaned := sanitizeList(criteria, maxListItems)
	for i, c := range cleaned {
		cleaned[i] = normalizeGherkin(c)
	}
	return cleaned
}

var gherkinWords = map[string]string{
	"given": "Given",
	"when":  "When",
	"then":  "Then",
	"and":   "And",
}

func normalizeGherkin(line string) string {
	words := strings.Fields(line)
	for i, w := range words {
		bare := strings.ToLower(strings.Trim(w, ".,:;"))
		if repl, ok := gherkinWords[bare]; ok {
			words[i] = strings.Replace(w, strings.Trim(w, ".,:;"), repl, 1)
		}
	}
	out := strings.Join(words, " ")
	if out != "" {
		r := []rune(out)
		if r[0] >= 'a' && r[0] <= 'z' {
			r[0] = r[0] - 'a' + 'A'
			out = string(r)
		}
	}
	return out
}

func sanitizeSubTasks(raw []rawSubTask) []types.SubTask {
	seen := make(map[string]bool, len(raw))
	var out []types.SubTask
	for _, st := range raw {
		title := strings.TrimSpace(st.Title)
		if title == "" || seen[strings.ToLower(title)] {
			continue
		}
		seen[strings.ToLower(title)] = true
		out = append(out, types.SubTask{
			Title:       truncate(title, maxSubTaskTitle),
			Description: truncate(strings.TrimSpace(st.Description), maxSubTaskDetail),
		})
		if len(out) == maxSubTasks {
			break
		}
	}
	return out
}

// sanitizeMetrics merges free-text and structured metrics. Entries may
// arrive as plain strings or objects; anything else is dropped.
func sanitizeMetrics(metrics, structured []json.RawMessage) ([]string, []types.MetricItem) {
	var text []string
	var items []types.MetricItem

	for _, entry := range append(append([]json.RawMessage{}, metrics...), structured...) {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				text = append(text, s)
			}
			continue
		}
		var m rawMetric
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		item := types.MetricItem{
			Name:      name,
			Baseline:  strings.TrimSpace(m.Baseline),
			Target:    strings.TrimSpace(m.Target),
			Timeframe: strings.TrimSpace(m.Timeframe),
			Owner:     strings.TrimSpace(m.Owner),
		}
		items = append(items, item)
		text = append(text, metricToText(item))
	}

	text = sanitizeList(text, maxMetrics)

	seen := make(map[string]bool, len(items))
	var deduped []types.MetricItem
	for _, item := range items {
		key := strings.ToLower(item.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, item)
		if len(deduped) == maxMetrics {
			break
		}
	}
	return text, deduped
}

func metricToText(m types.MetricItem) string {
	segments := []string{m.Name}
	if m.Target != "" {
		segments = append(segments, "target "+m.Target)
	}
	if m.Timeframe != "" {
		segments = append(segments, "within "+m.Timeframe)
	}
	return strings.Join(segments, " - ")
}

func sanitizeConfidence(v *float64) float64 {
	if v == nil {
		return 0.65
	}
	return round2(clamp(*v, 0, 1))
}

// sanitizePillarScores coerces whatever the model produced into the five
// known pillars, clamped to [0,10], defaulting to the neutral midpoint.
func sanitizePillarScores(raw map[string]any) types.PillarScores {
	scores := types.DefaultPillarScores()
	read := func(key string, dst *float64) {
		v, ok := raw[key]
		if !ok {
			return
		}
		switch n := v.(type) {
		case float64:
			*dst = clamp(n, 0, 10)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				*dst = clamp(f, 0, 10)
			}
		}
	}
	read("user_value", &scores.UserValue)
	read("commercial_impact", &scores.CommercialImpact)
	read("strategic_horizon", &scores.StrategicHorizon)
	read("competitive_positioning", &scores.CompetitivePositioning)
	read("technical_reality", &scores.TechnicalReality)
	return scores
}

// mergeRevision overlays a revised draft on its predecessor. Critical
// list fields never regress to empty: a revision that wipes them falls
// back to the prior draft's values.
func mergeRevision(prev, revised types.DraftStory) types.DraftStory {
	merged := revised
	if len(merged.AcceptanceCriteria) == 0 {
		merged.AcceptanceCriteria = prev.AcceptanceCriteria
	}
	if len(merged.Dependencies) == 0 {
		merged.Dependencies = prev.Dependencies
	}
	if len(merged.Metrics) == 0 {
		merged.Metrics = prev.Metrics
	}
	if len(merged.StructuredMetrics) == 0 {
		merged.StructuredMetrics = prev.StructuredMetrics
	}
	if len(merged.NonFunctionalReqs) == 0 {
		merged.NonFunctionalReqs = prev.NonFunctionalReqs
	}
	if merged.Research.ClaimCount() == 0 && len(merged.Research.Sources) == 0 {
		merged.Research = prev.Research
	}
	if merged.PillarScores == (types.PillarScores{}) {
		merged.PillarScores = prev.PillarScores
	}
	return merged
}

// truncate cuts s to at most max bytes, backing up to a rune boundary
// so multibyte characters are never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
