// Package priority turns pillar scores and research evidence into a
// deterministic 0-100 priority with a MoSCoW label. Scoring is pure:
// the same draft and brief always produce the same result.
package priority

import (
	"math"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

// Scorer applies the configured pillar weights, signal gains, and
// MoSCoW thresholds.
type Scorer struct {
	cfg config.PriorityConfig
}

// New returns a scorer bound to the given configuration.
func New(cfg config.PriorityConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the priority verdict for an accepted draft. The base
// term is the weighted pillar sum scaled to 0-100; research-derived
// demand and pressure signals add on top, an effort penalty subtracts,
// and the citation-coverage multiplier nudges the total before the
// final clamp.
func (s *Scorer) Score(draft types.DraftStory) types.PriorityResult {
	base := s.basePillarScore(draft.PillarScores)

	demand := saturate(len(draft.Research.Trends)+len(draft.Research.Differentiators), 6)
	pressure := saturate(len(draft.Research.CompetitorFeatures)+len(draft.Research.Risks), 6)
	effort := effortSignal(len(draft.SubTasks), draft.PillarScores.TechnicalReality)
	multiplier := evidenceMultiplier(draft.Research.Quality.CitationCoverage)

	demandComponent := demand * s.cfg.DemandGain
	pressureComponent := pressure * s.cfg.PressureGain
	effortComponent := effort * s.cfg.MaxEffortPenalty

	adjusted := (base + demandComponent + pressureComponent - effortComponent) * multiplier
	final := round1(clamp(adjusted, 0, 100))

	label, band, text := s.classify(final)

	return types.PriorityResult{
		Score:      final,
		MoSCoW:     label,
		Band:       band,
		BandText:   text,
		Confidence: round2(clamp((multiplier-0.85)/0.25, 0, 1)),
		Breakdown: types.PriorityBreakdown{
			BasePillarScore:          round1(base),
			UserDemandSignal:         round2(demandComponent),
			CompetitorPressureSignal: round2(pressureComponent),
			EffortPenalty:            round2(effortComponent),
			EvidenceMultiplier:       round2(multiplier),
			FinalScore:               final,
		},
	}
}

// basePillarScore is the weighted pillar average scaled to 0-100.
func (s *Scorer) basePillarScore(p types.PillarScores) float64 {
	w := s.cfg.Weights
	total := w.Sum()
	if total <= 0 {
		total = 1
	}
	weighted := p.UserValue*w.UserValue +
		p.CommercialImpact*w.CommercialImpact +
		p.StrategicHorizon*w.StrategicHorizon +
		p.CompetitivePositioning*w.CompetitivePositioning +
		p.TechnicalReality*w.TechnicalReality
	return (weighted / total) * 10
}

func (s *Scorer) classify(score float64) (types.MoSCoWLabel, types.PriorityBand, string) {
	switch {
	case score >= s.cfg.MustThreshold:
		return types.MustHave, types.BandVeryHigh, "Very High"
	case score >= s.cfg.ShouldThreshold:
		return types.ShouldHave, types.BandHigh, "High"
	case score >= s.cfg.CouldThreshold:
		return types.CouldHave, types.BandMedium, "Medium"
	default:
		return types.WontHave, types.BandLow, "Low"
	}
}

// saturate maps a count onto [0,1] with diminishing returns: the signal
// approaches 1 as the count approaches the knee and never exceeds it.
func saturate(count, knee int) float64 {
	if count <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(count)/float64(knee)*2)
}

// effortSignal maps sub-task count onto [0,1]; a high technical-reality
// score discounts the penalty because the team believes the work is
// tractable.
func effortSignal(subTasks int, technicalReality float64) float64 {
	raw := clamp(float64(subTasks)/8, 0, 1)
	discount := clamp(technicalReality, 0, 10) / 10 * 0.5
	return raw * (1 - discount)
}

// evidenceMultiplier maps citation coverage onto [0.9, 1.1].
func evidenceMultiplier(coverage float64) float64 {
	return 0.9 + clamp(coverage, 0, 1)*0.2
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

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
