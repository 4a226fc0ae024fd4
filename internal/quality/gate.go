// Package quality scores draft stories against INVEST-style heuristics
// and decides whether a revision pass is warranted. Assessment is a pure
// function of the draft (including its research brief) and the gate
// configuration: no clock, no randomness, no external calls.
package quality

import (
	"fmt"
	"math"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

// Gate evaluates drafts against the configured weights and floors.
type Gate struct {
	cfg config.QualityConfig
}

// New returns a gate bound to the given configuration.
func New(cfg config.QualityConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Assess computes the six sub-scores, the weighted final score, typed
// warnings for every criterion below its floor, and the role-level
// projections reviewers see.
func (g *Gate) Assess(draft types.DraftStory) types.QualityAssessment {
	breakdown := types.QualityBreakdown{
		Clarity:       scoreClarity(draft),
		Invest:        scoreInvest(draft, g.cfg.MaxStoryItems),
		Testability:   scoreTestability(draft),
		Measurability: scoreMeasurability(draft),
		Scope:         scoreScope(draft),
		Evidence:      scoreEvidence(draft),
	}

	w := g.cfg.Weights
	total := w.Sum()
	if total <= 0 {
		total = 1
	}
	weighted := breakdown.Clarity*w.Clarity +
		breakdown.Invest*w.Invest +
		breakdown.Testability*w.Testability +
		breakdown.Measurability*w.Measurability +
		breakdown.Scope*w.Scope +
		breakdown.Evidence*w.Evidence
	breakdown.FinalScore = round1(weighted / total)

	warnings := g.collectWarnings(draft, breakdown)

	assessment := types.QualityAssessment{
		Breakdown:  breakdown,
		Warnings:   warnings,
		RoleScores: deriveRoleScores(breakdown),
	}
	assessment.Confidence = deriveConfidence(breakdown.FinalScore, assessment.HighSeverityCount())
	return assessment
}

// collectWarnings emits one typed warning per criterion below its floor,
// plus targeted findings for the failures a reviser can act on directly.
func (g *Gate) collectWarnings(draft types.DraftStory, b types.QualityBreakdown) []types.QualityWarning {
	f := g.cfg.Floors
	var warnings []types.QualityWarning

	add := func(code string, category types.WarningCategory, score, floor float64, message string) {
		if score >= floor {
			return
		}
		warnings = append(warnings, types.QualityWarning{
			Code:     code,
			Category: category,
			Severity: severityFor(floor - score),
			Message:  message,
		})
	}

	add("clarity_below_floor", types.CategoryClarity, b.Clarity, f.Clarity,
		"Summary, user story, or description is missing or too thin to act on.")
	add("invest_below_floor", types.CategoryInvest, b.Invest, f.Invest,
		fmt.Sprintf("Story violates INVEST sizing heuristics (keep criteria and sub-tasks at or under %d).", g.cfg.MaxStoryItems))

	if len(draft.AcceptanceCriteria) == 0 {
		warnings = append(warnings, types.QualityWarning{
			Code:     "missing_acceptance_criteria",
			Category: types.CategoryTestability,
			Severity: types.SeverityHigh,
			Message:  "No acceptance criteria. The story cannot be tested or estimated.",
		})
	} else {
		add("testability_below_floor", types.CategoryTestability, b.Testability, f.Testability,
			"Acceptance criteria are vague or do not follow the Given/When/Then shape.")
	}

	add("measurability_below_floor", types.CategoryMeasurability, b.Measurability, f.Measurability,
		"Success metrics lack numeric targets, baselines, or timeframes.")
	add("scope_below_floor", types.CategoryScope, b.Scope, f.Scope,
		"Description implies cross-cutting concerns but out-of-scope and non-functional requirements are empty.")
	add("evidence_below_floor", types.CategoryEvidence, b.Evidence, f.Evidence,
		"Research claims are not backed by cited sources.")

	return warnings
}

// severityFor maps the shortfall below a floor onto a severity tier.
func severityFor(shortfall float64) types.WarningSeverity {
	switch {
	case shortfall >= 30:
		return types.SeverityHigh
	case shortfall >= 15:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// deriveRoleScores projects the sub-scores onto the reviewer audiences.
func deriveRoleScores(b types.QualityBreakdown) types.RoleScores {
	return types.RoleScores{
		PMClarity:                round1(b.Clarity*0.6 + b.Measurability*0.4),
		EngineeringEstimability:  round1(b.Invest*0.5 + b.Testability*0.3 + b.Scope*0.2),
		QATestability:            round1(b.Testability*0.7 + b.Measurability*0.3),
		ArchitectureNFRReadiness: round1(b.Scope*0.6 + b.Evidence*0.4),
	}
}

// deriveConfidence discounts the normalized final score for each
// high-severity finding.
func deriveConfidence(finalScore float64, highCount int) float64 {
	c := finalScore/100 - 0.05*float64(highCount)
	return round2(math.Max(0, math.Min(1, c)))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
