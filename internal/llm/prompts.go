package llm

import (
	"strings"
	"text/template"

	"github.com/backlogai/backlogd/internal/types"
)

const draftSystemPrompt = `You are an expert Product Manager and Business Analyst.
Transform context + objective into an INVEST-compliant, JIRA-ready story.
Use provided market research to ground insights.

Return JSON only with fields:
summary, user_story, description, acceptance_criteria, sub_tasks, dependencies, risks,
metrics, structured_metrics, rollout_plan, non_functional_reqs,
assumptions, open_questions, out_of_scope, confidence,
research_summary {trends, competitor_features, differentiators, risks},
pillar_scores {user_value, commercial_impact, strategic_horizon, competitive_positioning, technical_reality}

Rules:
- 3-6 acceptance criteria, Given/When/Then
- concise lists, max 6 each
- avoid implementation detail in user_story
- confidence must be 0..1`

const reviseSystemPrompt = `You are an expert Product Manager.
Revise the draft story to resolve warnings while preserving original intent and schema.
Return JSON only.`

var draftUserTemplate = template.Must(template.New("draft").Parse(`Context: {{.Context}}
Objective: {{.Objective}}
Target User: {{or .TargetUser "Not specified"}}
Market Segment: {{or .MarketSegment "Not specified"}}
Constraints: {{or .Constraints "None"}}
Success Metrics: {{or .SuccessMetrics "Not specified"}}
Known Competitors: {{or .CompetitorList "Not specified"}}

Research Queries: {{or .Queries "None"}}
Research Snippets:
{{- range .Snippets}}
- {{.}}
{{- else}}
(none)
{{- end}}
Research Sources:
{{- range .Sources}}
- {{.}}
{{- else}}
(none)
{{- end}}`))

var reviseUserTemplate = template.Must(template.New("revise").Parse(`Quality warnings to resolve:
{{- range .Warnings}}
- [{{.Category}}/{{.Severity}}] {{.Message}}
{{- end}}

Draft JSON:
{{.DraftJSON}}`))

type draftPromptData struct {
	Context        string
	Objective      string
	TargetUser     string
	MarketSegment  string
	Constraints    string
	SuccessMetrics string
	CompetitorList string
	Queries        string
	Snippets       []string
	Sources        []string
}

func renderDraftPrompt(req types.BacklogRequest, brief types.ResearchBrief) (string, error) {
	data := draftPromptData{
		Context:        req.Context,
		Objective:      req.Objective,
		TargetUser:     req.TargetUser,
		MarketSegment:  req.MarketSegment,
		Constraints:    req.Constraints,
		SuccessMetrics: req.SuccessMetrics,
		CompetitorList: strings.Join(req.Competitors, ", "),
		Queries:        strings.Join(brief.Queries, ", "),
		Snippets:       brief.Snippets,
		Sources:        brief.Sources,
	}
	var sb strings.Builder
	if err := draftUserTemplate.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type revisePromptData struct {
	Warnings  []types.QualityWarning
	DraftJSON string
}

func renderRevisePrompt(draftJSON string, warnings []types.QualityWarning) (string, error) {
	var sb strings.Builder
	err := reviseUserTemplate.Execute(&sb, revisePromptData{Warnings: warnings, DraftJSON: draftJSON})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
