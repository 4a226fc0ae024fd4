package quality

import (
	"regexp"
	"strings"

	"github.com/backlogai/backlogd/internal/types"
)

// hedgingWords flag acceptance criteria that sound testable but are not.
var hedgingWords = []string{
	"user-friendly", "fast", "easy", "intuitive", "seamless",
	"as appropriate", "etc", "robust", "gracefully", "properly",
}

// crossCuttingWords in a description imply the story needs explicit
// out-of-scope and non-functional boundaries.
var crossCuttingWords = []string{
	"security", "compliance", "performance", "latency", "migration",
	"privacy", "scalab", "integration", "audit", "encryption", "gdpr",
	"availability", "multi-tenant",
}

var numberPattern = regexp.MustCompile(`\d`)

// timeBoundWords signal a metric carries a timeframe.
var timeBoundWords = []string{
	"day", "week", "month", "quarter", "year", "q1", "q2", "q3", "q4",
	"sprint", "release", "by ", "within",
}

// scoreClarity penalizes missing or thin summary, user story, and
// description fields.
func scoreClarity(draft types.DraftStory) float64 {
	score := 100.0
	switch {
	case strings.TrimSpace(draft.Summary) == "":
		score -= 50
	case len(draft.Summary) < 15:
		score -= 25
	}
	story := strings.ToLower(draft.UserStory)
	switch {
	case strings.TrimSpace(story) == "":
		score -= 40
	case !strings.Contains(story, "as a") || !strings.Contains(story, "i want"):
		score -= 20
	}
	if len(strings.TrimSpace(draft.Description)) < 40 {
		score -= 20
	}
	return clampScore(score)
}

// scoreInvest applies the sizing and value heuristics: too many criteria
// or sub-tasks signals an epic in disguise, an overlong description
// signals a non-negotiable story, and twin low value pillars signal work
// not worth doing.
func scoreInvest(draft types.DraftStory, maxItems int) float64 {
	if maxItems <= 0 {
		maxItems = 8
	}
	score := 100.0
	if len(draft.AcceptanceCriteria) > maxItems {
		score -= 25
	}
	if len(draft.SubTasks) > maxItems {
		score -= 25
	}
	if len(draft.Description) > 1000 {
		score -= 20
	}
	if draft.PillarScores.UserValue < 5 && draft.PillarScores.CommercialImpact < 5 {
		score -= 20
	}
	if len(draft.Summary) > 100 {
		score -= 15
	}
	if n := len(draft.AcceptanceCriteria); n > 0 && n < 2 {
		score -= 15
	}
	return clampScore(score)
}

// scoreTestability rewards Given/When/Then criteria and penalizes
// hedging language. Zero criteria is the worst possible outcome.
func scoreTestability(draft types.DraftStory) float64 {
	criteria := draft.AcceptanceCriteria
	if len(criteria) == 0 {
		return 0
	}
	gherkin, vague := 0, 0
	for _, c := range criteria {
		lower := strings.ToLower(c)
		if strings.Contains(lower, "given") && strings.Contains(lower, "when") && strings.Contains(lower, "then") {
			gherkin++
		}
		for _, word := range hedgingWords {
			if strings.Contains(lower, word) {
				vague++
				break
			}
		}
	}
	n := float64(len(criteria))
	score := 30 + 70*float64(gherkin)/n
	score -= 30 * float64(vague) / n
	return clampScore(score)
}

// scoreMeasurability rewards metrics with numeric and time-bound
// language, with a bonus for structured metrics carrying targets.
func scoreMeasurability(draft types.DraftStory) float64 {
	if len(draft.Metrics) == 0 && len(draft.StructuredMetrics) == 0 {
		return 20
	}
	quantified := 0
	for _, m := range draft.Metrics {
		lower := strings.ToLower(m)
		if numberPattern.MatchString(m) || containsAny(lower, timeBoundWords) {
			quantified++
		}
	}
	score := 40.0
	if len(draft.Metrics) > 0 {
		score += 40 * float64(quantified) / float64(len(draft.Metrics))
	}
	for _, m := range draft.StructuredMetrics {
		if m.Target != "" {
			score += 10
		}
		if m.Baseline != "" || m.Timeframe != "" {
			score += 5
		}
	}
	return clampScore(score)
}

// scoreScope checks that stories touching cross-cutting concerns declare
// explicit boundaries.
func scoreScope(draft types.DraftStory) float64 {
	crossCutting := containsAny(strings.ToLower(draft.Description), crossCuttingWords)

	score := 100.0
	if crossCutting {
		if len(draft.OutOfScope) == 0 {
			score -= 30
		}
		if len(draft.NonFunctionalReqs) == 0 {
			score -= 30
		}
	} else {
		if len(draft.OutOfScope) == 0 {
			score -= 10
		}
	}
	return clampScore(score)
}

// scoreEvidence rewards cited, multi-domain research. When no brief was
// available at all there is nothing to cite and the score stays neutral.
func scoreEvidence(draft types.DraftStory) float64 {
	brief := draft.Research
	if brief.Empty() {
		return 60
	}
	q := brief.Quality
	score := 60 * q.CitationCoverage
	score += minF(float64(q.SourceCount)*4, 20)
	score += minF(float64(q.UniqueDomainCount)*5, 20)
	return clampScore(score)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
