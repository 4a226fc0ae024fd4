package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/types"
)

func testConfig() config.PriorityConfig {
	return config.PriorityConfig{
		Weights: config.PillarWeights{
			UserValue: 0.25, CommercialImpact: 0.25, StrategicHorizon: 0.1875,
			CompetitivePositioning: 0.125, TechnicalReality: 0.1875,
		},
		MustThreshold:    80,
		ShouldThreshold:  60,
		CouldThreshold:   35,
		DemandGain:       8,
		PressureGain:     7,
		MaxEffortPenalty: 12,
	}
}

func TestBasePillarScoreScaling(t *testing.T) {
	s := New(testConfig())

	all5 := types.DefaultPillarScores()
	assert.InDelta(t, 50.0, s.basePillarScore(all5), 0.01)

	all10 := types.PillarScores{UserValue: 10, CommercialImpact: 10, StrategicHorizon: 10, CompetitivePositioning: 10, TechnicalReality: 10}
	assert.InDelta(t, 100.0, s.basePillarScore(all10), 0.01)
}

func TestScoreMonotonicInEachPillar(t *testing.T) {
	s := New(testConfig())
	base := types.DraftStory{PillarScores: types.DefaultPillarScores()}

	bump := []func(*types.PillarScores){
		func(p *types.PillarScores) { p.UserValue = 9 },
		func(p *types.PillarScores) { p.CommercialImpact = 9 },
		func(p *types.PillarScores) { p.StrategicHorizon = 9 },
		func(p *types.PillarScores) { p.CompetitivePositioning = 9 },
	}
	baseline := s.Score(base).Score
	for i, fn := range bump {
		draft := base
		fn(&draft.PillarScores)
		assert.Greater(t, s.Score(draft).Score, baseline, "pillar bump %d should raise score", i)
	}
}

func TestResearchSignalsRaiseScore(t *testing.T) {
	s := New(testConfig())
	bare := types.DraftStory{PillarScores: types.DefaultPillarScores()}

	rich := bare
	rich.Research = types.ResearchBrief{
		Trends:             []string{"t1", "t2", "t3"},
		CompetitorFeatures: []string{"c1", "c2"},
		Differentiators:    []string{"d1"},
		Risks:              []string{"r1"},
		Quality:            types.ResearchQuality{CitationCoverage: 1.0},
	}

	assert.Greater(t, s.Score(rich).Score, s.Score(bare).Score)
}

func TestDemandSignalSaturates(t *testing.T) {
	s := New(testConfig())
	brief := func(n int) types.DraftStory {
		trends := make([]string, n)
		for i := range trends {
			trends[i] = "t"
		}
		return types.DraftStory{
			PillarScores: types.DefaultPillarScores(),
			Research:     types.ResearchBrief{Trends: trends},
		}
	}

	few := s.Score(brief(3)).Breakdown.UserDemandSignal
	many := s.Score(brief(50)).Breakdown.UserDemandSignal
	assert.Greater(t, many, few)
	assert.LessOrEqual(t, many, s.cfg.DemandGain, "demand component never exceeds its gain")
}

func TestEffortPenaltyDiscountedByTechnicalReality(t *testing.T) {
	subTasks := make([]types.SubTask, 8)
	hard := types.DraftStory{
		SubTasks:     subTasks,
		PillarScores: types.PillarScores{UserValue: 5, CommercialImpact: 5, StrategicHorizon: 5, CompetitivePositioning: 5, TechnicalReality: 1},
	}
	tractable := hard
	tractable.PillarScores.TechnicalReality = 9

	s := New(testConfig())
	assert.Greater(t,
		s.Score(hard).Breakdown.EffortPenalty,
		s.Score(tractable).Breakdown.EffortPenalty)
}

func TestEvidenceMultiplierClamped(t *testing.T) {
	assert.InDelta(t, 0.9, evidenceMultiplier(0), 0.001)
	assert.InDelta(t, 1.1, evidenceMultiplier(1), 0.001)
	assert.InDelta(t, 1.1, evidenceMultiplier(5), 0.001)
	assert.InDelta(t, 0.9, evidenceMultiplier(-1), 0.001)
}

func TestClassifyThresholds(t *testing.T) {
	s := New(testConfig())
	cases := []struct {
		score float64
		label types.MoSCoWLabel
		band  types.PriorityBand
		text  string
	}{
		{85, types.MustHave, types.BandVeryHigh, "Very High"},
		{80, types.MustHave, types.BandVeryHigh, "Very High"},
		{65, types.ShouldHave, types.BandHigh, "High"},
		{40, types.CouldHave, types.BandMedium, "Medium"},
		{10, types.WontHave, types.BandLow, "Low"},
	}
	for _, tc := range cases {
		label, band, text := s.classify(tc.score)
		assert.Equal(t, tc.label, label, "score %.0f", tc.score)
		assert.Equal(t, tc.band, band, "score %.0f", tc.score)
		assert.Equal(t, tc.text, text, "score %.0f", tc.score)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := New(testConfig())
	draft := types.DraftStory{
		PillarScores: types.PillarScores{UserValue: 8, CommercialImpact: 7, StrategicHorizon: 6, CompetitivePositioning: 5, TechnicalReality: 7},
		SubTasks:     []types.SubTask{{Title: "a"}, {Title: "b"}},
		Research: types.ResearchBrief{
			Trends:  []string{"t1", "t2"},
			Quality: types.ResearchQuality{CitationCoverage: 0.5},
		},
	}
	assert.Equal(t, s.Score(draft), s.Score(draft))
}

func TestScoreClampedToHundred(t *testing.T) {
	s := New(testConfig())
	draft := types.DraftStory{
		PillarScores: types.PillarScores{UserValue: 10, CommercialImpact: 10, StrategicHorizon: 10, CompetitivePositioning: 10, TechnicalReality: 10},
		Research: types.ResearchBrief{
			Trends:             []string{"1", "2", "3", "4", "5", "6"},
			CompetitorFeatures: []string{"1", "2", "3", "4"},
			Quality:            types.ResearchQuality{CitationCoverage: 1.0},
		},
	}
	result := s.Score(draft)
	assert.LessOrEqual(t, result.Score, 100.0)
	assert.Equal(t, types.MustHave, result.MoSCoW)
}
