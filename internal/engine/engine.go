// Package engine orchestrates one backlog-generation run: research,
// drafting, quality validation, a bounded revision loop, and priority
// scoring. Degradable failures (research, model) are absorbed and
// surfaced only through telemetry; only an invalid request is an error.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/priority"
	"github.com/backlogai/backlogd/internal/quality"
	"github.com/backlogai/backlogd/internal/telemetry"
	"github.com/backlogai/backlogd/internal/types"
)

// BriefProvider supplies research briefs. Implementations never fail;
// unavailable research degrades to an empty brief.
type BriefProvider interface {
	Brief(ctx context.Context, req types.BacklogRequest) types.ResearchBrief
}

// Drafter produces and revises story drafts via the language model.
type Drafter interface {
	Draft(ctx context.Context, req types.BacklogRequest, brief types.ResearchBrief) (types.DraftStory, error)
	Revise(ctx context.Context, prev types.DraftStory, warnings []types.QualityWarning) (types.DraftStory, error)
	DraftModel() string
	ReviseModel() string
}

// Fallback builds a deterministic template draft when the model is
// unreachable or unconfigured.
type Fallback func(req types.BacklogRequest, brief types.ResearchBrief) types.DraftStory

// Result is the complete output of one generation run. A draft is never
// returned without its quality assessment and priority verdict.
type Result struct {
	Draft     types.DraftStory          `json:"draft"`
	Quality   types.QualityAssessment   `json:"quality"`
	Priority  types.PriorityResult      `json:"priority"`
	Telemetry types.GenerationTelemetry `json:"generation_telemetry"`
}

// Engine runs the generation state machine. Each request is a fresh,
// self-contained run; independent requests share only the research
// cache behind the brief provider.
type Engine struct {
	research BriefProvider
	drafter  Drafter
	fallback Fallback
	log      *slog.Logger
	now      func() time.Time

	// tuning is swapped atomically on config hot reload.
	mu     sync.RWMutex
	gate   *quality.Gate
	scorer *priority.Scorer
	cfg    config.GenerationConfig
}

// New builds an engine. drafter may be nil when no model is configured;
// every run then uses the fallback template.
func New(research BriefProvider, drafter Drafter, fallback Fallback, gate *quality.Gate, scorer *priority.Scorer, cfg config.GenerationConfig, log *slog.Logger) *Engine {
	return &Engine{
		research: research,
		drafter:  drafter,
		fallback: fallback,
		gate:     gate,
		scorer:   scorer,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Generate runs the full pipeline for one request. The revision loop
// terminates within maxRevisions+1 drafting attempts regardless of what
// the quality gate decides.
func (e *Engine) Generate(ctx context.Context, req types.BacklogRequest) (*Result, error) {
	if !req.Valid() {
		return nil, ErrInvalidRequest
	}

	runID := uuid.NewString()
	start := e.now()
	log := e.log.With("run_id", runID)

	tracer := telemetry.Tracer("github.com/backlogai/backlogd/engine")
	ctx, span := tracer.Start(ctx, "engine.generate")
	defer span.End()
	span.SetAttributes(attribute.String("backlogd.run_id", runID))

	// One run uses one tuning snapshot even if a reload lands mid-flight.
	e.mu.RLock()
	gate, scorer, cfg := e.gate, e.scorer, e.cfg
	e.mu.RUnlock()

	log.Info("research started")
	brief := e.research.Brief(ctx, req)
	if brief.Empty() {
		log.Warn("research unavailable, continuing with empty brief")
	}

	draft, usedFallback := e.draft(ctx, log, req, brief)

	assessment := gate.Assess(draft)
	attempts := 1
	for assessment.FinalScore() < cfg.AcceptanceThreshold && attempts <= cfg.MaxRevisions {
		log.Info("revision requested",
			"attempt", attempts,
			"score", assessment.FinalScore(),
			"warnings", len(assessment.Warnings))
		revised, err := e.revise(ctx, draft, assessment.Warnings)
		if err != nil {
			log.Warn("revision unavailable, keeping prior draft", "error", err)
			break
		}
		draft = revised
		assessment = gate.Assess(draft)
		attempts++
	}

	result := &Result{
		Draft:    draft,
		Quality:  assessment,
		Priority: scorer.Score(draft),
	}
	result.Telemetry = e.telemetry(runID, start, usedFallback, attempts, result)

	span.SetAttributes(
		attribute.Bool("backlogd.used_fallback", usedFallback),
		attribute.Int("backlogd.attempts", attempts),
		attribute.Float64("backlogd.quality_score", assessment.FinalScore()),
		attribute.Float64("backlogd.priority_score", result.Priority.Score),
	)

	log.Info("generation finished",
		"score", assessment.FinalScore(),
		"priority", result.Priority.Score,
		"attempts", attempts,
		"used_fallback", usedFallback,
		"latency_ms", result.Telemetry.LatencyMS)
	return result, nil
}

// Retune swaps the quality gate, priority scorer, and loop bounds after
// a config hot reload. In-flight runs keep their snapshot.
func (e *Engine) Retune(gate *quality.Gate, scorer *priority.Scorer, cfg config.GenerationConfig) {
	e.mu.Lock()
	e.gate = gate
	e.scorer = scorer
	e.cfg = cfg
	e.mu.Unlock()
}

// draft produces the initial story, falling back to the template when
// the model is missing or unreachable. Never fails.
func (e *Engine) draft(ctx context.Context, log *slog.Logger, req types.BacklogRequest, brief types.ResearchBrief) (types.DraftStory, bool) {
	if e.drafter == nil {
		log.Warn("no model configured, using template draft")
		return e.fallback(req, brief), true
	}
	draft, err := e.drafter.Draft(ctx, req, brief)
	if err != nil {
		log.Warn("model draft unavailable, using template draft", "error", err)
		return e.fallback(req, brief), true
	}
	return draft, false
}

func (e *Engine) revise(ctx context.Context, prev types.DraftStory, warnings []types.QualityWarning) (types.DraftStory, error) {
	if e.drafter == nil {
		return prev, errNoDrafter
	}
	return e.drafter.Revise(ctx, prev, warnings)
}

func (e *Engine) telemetry(runID string, start time.Time, usedFallback bool, attempts int, r *Result) types.GenerationTelemetry {
	t := types.GenerationTelemetry{
		RunID:                runID,
		LatencyMS:            e.now().Sub(start).Milliseconds(),
		UsedFallback:         usedFallback,
		Attempts:             attempts,
		WarningsCount:        len(r.Quality.Warnings),
		HighSeverityWarnings: r.Quality.HighSeverityCount(),
		ResearchQueries:      len(r.Draft.Research.Queries),
		ResearchSnippets:     len(r.Draft.Research.Snippets),
		ResearchSources:      len(r.Draft.Research.SourceDetails),
		CitationCoverage:     r.Draft.Research.Quality.CitationCoverage,
	}
	if usedFallback || e.drafter == nil {
		t.ModelDraft = "template-fallback"
	} else {
		t.ModelDraft = e.drafter.DraftModel()
		if attempts > 1 {
			t.ModelRevise = e.drafter.ReviseModel()
		}
	}
	return t
}
