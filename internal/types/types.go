// Package types defines the core data structures for the backlogd
// generation and sync engine.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// BacklogRequest is the normalized input to a generation run. It is
// immutable once built; callers construct it via NewBacklogRequest so
// competitor normalization happens exactly once.
type BacklogRequest struct {
	Context        string   `json:"context"`
	Objective      string   `json:"objective"`
	TargetUser     string   `json:"target_user,omitempty"`
	MarketSegment  string   `json:"market_segment,omitempty"`
	Constraints    string   `json:"constraints,omitempty"`
	SuccessMetrics string   `json:"success_metrics,omitempty"`
	Competitors    []string `json:"competitors_optional,omitempty"`
}

// NewBacklogRequest builds a request with trimmed fields and a
// deduplicated competitor list (blank entries removed, order preserved).
func NewBacklogRequest(context, objective, targetUser, marketSegment, constraints, successMetrics string, competitors []string) BacklogRequest {
	seen := make(map[string]bool, len(competitors))
	var cleaned []string
	for _, c := range competitors {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		cleaned = append(cleaned, c)
	}
	return BacklogRequest{
		Context:        strings.TrimSpace(context),
		Objective:      strings.TrimSpace(objective),
		TargetUser:     strings.TrimSpace(targetUser),
		MarketSegment:  strings.TrimSpace(marketSegment),
		Constraints:    strings.TrimSpace(constraints),
		SuccessMetrics: strings.TrimSpace(successMetrics),
		Competitors:    cleaned,
	}
}

// Valid reports whether the request carries the two required fields.
func (r BacklogRequest) Valid() bool {
	return r.Context != "" && r.Objective != ""
}

// ResearchSource is one retrieved search result backing a brief.
type ResearchSource struct {
	ID            int    `json:"id"`
	URL           string `json:"url"`
	Domain        string `json:"domain"`
	Title         string `json:"title,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
	FreshnessDays *int   `json:"freshness_days,omitempty"`
}

// ResearchQuality aggregates evidence-quality counters for a brief.
type ResearchQuality struct {
	SourceCount       int     `json:"source_count"`
	UniqueDomainCount int     `json:"unique_domain_count"`
	CitationCoverage  float64 `json:"citation_coverage"`
	FreshnessCoverage float64 `json:"freshness_coverage"`
}

// ResearchBrief is the memoized output of a market research fetch.
// Read-only after creation; a fresh brief is built on every cache miss.
type ResearchBrief struct {
	Queries            []string         `json:"-"`
	Snippets           []string         `json:"-"`
	Trends             []string         `json:"trends"`
	CompetitorFeatures []string         `json:"competitor_features"`
	Differentiators    []string         `json:"differentiators"`
	Risks              []string         `json:"risks"`
	Sources            []string         `json:"sources"`
	SourceDetails      []ResearchSource `json:"source_details,omitempty"`
	CitationMap        map[string][]int `json:"citation_map,omitempty"`
	Quality            ResearchQuality  `json:"quality"`
}

// Empty reports whether the brief carries no research material at all.
func (b ResearchBrief) Empty() bool {
	return len(b.Trends) == 0 &&
		len(b.CompetitorFeatures) == 0 &&
		len(b.Differentiators) == 0 &&
		len(b.Risks) == 0 &&
		len(b.Snippets) == 0 &&
		len(b.SourceDetails) == 0
}

// ClaimCount returns the number of research claims subject to citation.
func (b ResearchBrief) ClaimCount() int {
	return len(b.Trends) + len(b.CompetitorFeatures) + len(b.Differentiators) + len(b.Risks)
}

// SubTask is a title/description pair under a draft story.
type SubTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// MetricItem is a structured success metric.
type MetricItem struct {
	Name      string `json:"name"`
	Baseline  string `json:"baseline,omitempty"`
	Target    string `json:"target,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// PillarScores holds the five strategic pillar inputs, each in [0,10].
type PillarScores struct {
	UserValue              float64 `json:"user_value"`
	CommercialImpact       float64 `json:"commercial_impact"`
	StrategicHorizon       float64 `json:"strategic_horizon"`
	CompetitivePositioning float64 `json:"competitive_positioning"`
	TechnicalReality       float64 `json:"technical_reality"`
}

// DefaultPillarScores returns the neutral midpoint used when the model
// omits or mangles pillar scores.
func DefaultPillarScores() PillarScores {
	return PillarScores{
		UserValue:              5,
		CommercialImpact:       5,
		StrategicHorizon:       5,
		CompetitivePositioning: 5,
		TechnicalReality:       5,
	}
}

// DraftStory is one immutable version of a generated story. Revision
// passes produce a new value; nothing mutates a draft in place.
type DraftStory struct {
	Summary            string        `json:"summary"`
	UserStory          string        `json:"user_story"`
	Description        string        `json:"description"`
	AcceptanceCriteria []string      `json:"acceptance_criteria"`
	SubTasks           []SubTask     `json:"sub_tasks"`
	Dependencies       []string      `json:"dependencies"`
	Risks              []string      `json:"risks"`
	Metrics            []string      `json:"metrics"`
	StructuredMetrics  []MetricItem  `json:"structured_metrics"`
	RolloutPlan        []string      `json:"rollout_plan"`
	NonFunctionalReqs  []string      `json:"non_functional_reqs"`
	Assumptions        []string      `json:"assumptions"`
	OpenQuestions      []string      `json:"open_questions"`
	OutOfScope         []string      `json:"out_of_scope"`
	Confidence         float64       `json:"confidence"`
	PillarScores       PillarScores  `json:"pillar_scores"`
	Research           ResearchBrief `json:"research_summary"`
}

// WarningSeverity classifies how badly a quality criterion missed its floor.
type WarningSeverity string

const (
	SeverityLow    WarningSeverity = "low"
	SeverityMedium WarningSeverity = "medium"
	SeverityHigh   WarningSeverity = "high"
)

// WarningCategory names the quality dimension a warning belongs to.
type WarningCategory string

const (
	CategoryClarity       WarningCategory = "clarity"
	CategoryInvest        WarningCategory = "invest"
	CategoryTestability   WarningCategory = "testability"
	CategoryMeasurability WarningCategory = "measurability"
	CategoryScope         WarningCategory = "scope"
	CategoryEvidence      WarningCategory = "evidence"
)

// QualityWarning is a typed finding from the quality gate.
type QualityWarning struct {
	Code     string          `json:"code"`
	Category WarningCategory `json:"type"`
	Severity WarningSeverity `json:"severity"`
	Message  string          `json:"message"`
}

// QualityBreakdown holds the six sub-scores plus the weighted final score,
// all on a 0-100 scale.
type QualityBreakdown struct {
	Clarity       float64 `json:"clarity"`
	Invest        float64 `json:"invest"`
	Testability   float64 `json:"testability"`
	Measurability float64 `json:"measurability"`
	Scope         float64 `json:"scope"`
	Evidence      float64 `json:"evidence"`
	FinalScore    float64 `json:"final_score"`
}

// RoleScores re-projects the quality sub-scores onto the audiences that
// review a story before it ships.
type RoleScores struct {
	PMClarity                float64 `json:"pm_clarity"`
	EngineeringEstimability  float64 `json:"engineering_estimability"`
	QATestability            float64 `json:"qa_testability"`
	ArchitectureNFRReadiness float64 `json:"architecture_nfr_readiness"`
}

// QualityAssessment is the full quality-gate verdict for one draft.
type QualityAssessment struct {
	Breakdown  QualityBreakdown `json:"quality_breakdown"`
	Warnings   []QualityWarning `json:"warning_details"`
	RoleScores RoleScores       `json:"role_scores"`
	Confidence float64          `json:"quality_confidence"`
}

// FinalScore is the weighted score the acceptance threshold compares against.
func (a QualityAssessment) FinalScore() float64 { return a.Breakdown.FinalScore }

// HighSeverityCount returns the number of high-severity warnings.
func (a QualityAssessment) HighSeverityCount() int {
	n := 0
	for _, w := range a.Warnings {
		if w.Severity == SeverityHigh {
			n++
		}
	}
	return n
}

// MoSCoWLabel is a Must/Should/Could/Won't-have priority category.
type MoSCoWLabel string

const (
	MustHave   MoSCoWLabel = "Must Have"
	ShouldHave MoSCoWLabel = "Should Have"
	CouldHave  MoSCoWLabel = "Could Have"
	WontHave   MoSCoWLabel = "Won't Have"
)

// PriorityBand is a coarse 1-4 bucket mirroring the MoSCoW label.
type PriorityBand int

const (
	BandLow PriorityBand = iota + 1
	BandMedium
	BandHigh
	BandVeryHigh
)

// PriorityBreakdown exposes every term of the priority formula.
type PriorityBreakdown struct {
	BasePillarScore          float64 `json:"base_pillar_score"`
	UserDemandSignal         float64 `json:"user_demand_signal"`
	CompetitorPressureSignal float64 `json:"competitor_pressure_signal"`
	EffortPenalty            float64 `json:"effort_penalty"`
	EvidenceMultiplier       float64 `json:"evidence_multiplier"`
	FinalScore               float64 `json:"final_score"`
}

// PriorityResult is the deterministic prioritization verdict.
type PriorityResult struct {
	Score      float64           `json:"priority_score"`
	MoSCoW     MoSCoWLabel       `json:"moscow_priority"`
	Band       PriorityBand      `json:"priority_label"`
	BandText   string            `json:"priority_label_text"`
	Confidence float64           `json:"priority_confidence"`
	Breakdown  PriorityBreakdown `json:"priority_breakdown"`
}

// GenerationTelemetry records observability facts about one generation run.
type GenerationTelemetry struct {
	RunID                string  `json:"run_id"`
	ModelDraft           string  `json:"model_draft"`
	ModelRevise          string  `json:"model_revise,omitempty"`
	LatencyMS            int64   `json:"latency_ms"`
	UsedFallback         bool    `json:"used_fallback"`
	Attempts             int     `json:"attempts"`
	WarningsCount        int     `json:"warnings_count"`
	HighSeverityWarnings int     `json:"high_severity_warnings"`
	ResearchQueries      int     `json:"research_queries"`
	ResearchSnippets     int     `json:"research_snippets"`
	ResearchSources      int     `json:"research_sources"`
	CitationCoverage     float64 `json:"citation_coverage"`
}

// SyncStatus tracks the external-tracker sync state of a record or session.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncErrored SyncStatus = "error"
)

// SyncRecord is the idempotency record for one logical backlog item.
// Created at most once per logical id; repeat sync requests return the
// stored record without touching the tracker again.
type SyncRecord struct {
	LogicalID   string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	JiraKey     string    `json:"jira_key"`
	JiraURL     string    `json:"jira_url"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContentFingerprint hashes the (summary, description) pair used for
// sync dedup. The NUL separator keeps "a"+"bc" distinct from "ab"+"c".
func ContentFingerprint(summary, description string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(summary)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(description)))
	return hex.EncodeToString(h.Sum(nil))
}
