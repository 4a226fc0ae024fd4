package llm

import (
	"fmt"
	"strings"

	"github.com/backlogai/backlogd/internal/types"
)

// fallbackConfidence is the confidence attached to template-generated
// drafts; deliberately below the model's default so callers can tell
// degraded output apart.
const fallbackConfidence = 0.55

// FallbackDraft deterministically fills the story skeleton from request
// fields and research snippets. Used when the primary model is
// unreachable or returns unusable output; never fails.
func FallbackDraft(req types.BacklogRequest, brief types.ResearchBrief) types.DraftStory {
	persona := req.TargetUser
	if persona == "" {
		persona = "user"
	}

	metrics := splitList(req.SuccessMetrics)
	if len(metrics) == 0 {
		metrics = []string{"Adoption rate", "Task completion rate"}
	}
	nonFunctional := splitList(req.Constraints)
	if len(nonFunctional) == 0 {
		nonFunctional = []string{"Performance under expected load"}
	}

	research := brief
	trends := brief.Snippets
	if len(trends) > 4 {
		trends = trends[:4]
	}
	if len(trends) == 0 {
		trends = []string{"insufficient research"}
	}
	research.Trends = trends
	research.Risks = []string{"insufficient research"}
	research.CitationMap = buildCitationMap(research)
	if total := research.ClaimCount(); total > 0 {
		research.Quality.CitationCoverage = round2(float64(len(research.CitationMap)) / float64(total))
	}

	story := types.DraftStory{
		Summary:     truncate(req.Objective, 120),
		UserStory:   fmt.Sprintf("As a %s, I want %s so that I can achieve the desired outcome.", persona, strings.ToLower(req.Objective)),
		Description: strings.TrimSpace(fmt.Sprintf("%s\n\nObjective: %s", req.Context, req.Objective)),
		AcceptanceCriteria: []string{
			"Given I have access to the product, When I complete the primary flow, Then the objective is met.",
			"Given invalid inputs, When I attempt the action, Then I see a clear error message.",
			"Given a temporary system issue, When the operation fails, Then the user receives a retry path.",
		},
		SubTasks: []types.SubTask{
			{Title: "Design UX flow", Description: "Define screens and interactions"},
			{Title: "Implement API changes", Description: "Add endpoints for the new flow"},
		},
		Risks:             []string{"Insufficient research"},
		Metrics:           metrics,
		RolloutPlan:       []string{"Internal QA", "Limited beta", "General availability"},
		NonFunctionalReqs: nonFunctional,
		Assumptions:       []string{"Existing user permissions model remains unchanged"},
		OpenQuestions:     []string{"Define release success threshold with PM and engineering"},
		OutOfScope:        []string{"Major redesign outside the current objective scope"},
		Confidence:        fallbackConfidence,
		PillarScores:      types.DefaultPillarScores(),
		Research:          research,
	}
	return story
}

// splitList splits a comma/semicolon separated free-text field.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(strings.ReplaceAll(value, ";", ","), ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
