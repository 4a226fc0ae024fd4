// Package llm drives story drafting and revision through the Anthropic
// API. All model output crosses a strict parse-and-validate boundary;
// malformed output degrades to ErrUnavailable rather than propagating.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/telemetry"
	"github.com/backlogai/backlogd/internal/types"
)

// ErrUnavailable is returned when the model cannot produce a usable
// draft: unreachable after retries, or structurally invalid output.
// Callers degrade to the template fallback drafter.
var ErrUnavailable = errors.New("language model unavailable")

// ErrNotConfigured is returned by NewDrafter when no API key is set.
var ErrNotConfigured = errors.New("anthropic API key not configured")

// Drafter generates and revises story drafts via the Anthropic API.
type Drafter struct {
	client         anthropic.Client
	draftModel     anthropic.Model
	reviseModel    anthropic.Model
	maxTokens      int
	maxRetries     int
	initialBackoff time.Duration
}

// NewDrafter creates a drafter from config. Returns ErrNotConfigured
// when the API key is absent; the orchestrator then runs fallback-only.
func NewDrafter(cfg config.LLMConfig) (*Drafter, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	reviseModel := cfg.ReviseModel
	if reviseModel == "" {
		reviseModel = cfg.DraftModel
	}

	aiMetricsOnce.Do(initAIMetrics)

	return &Drafter{
		client:         anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithRequestTimeout(cfg.Timeout)),
		draftModel:     anthropic.Model(cfg.DraftModel),
		reviseModel:    anthropic.Model(reviseModel),
		maxTokens:      cfg.MaxTokens,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
	}, nil
}

// DraftModel returns the configured drafting model name.
func (d *Drafter) DraftModel() string { return string(d.draftModel) }

// ReviseModel returns the configured revision model name.
func (d *Drafter) ReviseModel() string { return string(d.reviseModel) }

// Draft produces a new story draft from the request and research brief.
func (d *Drafter) Draft(ctx context.Context, req types.BacklogRequest, brief types.ResearchBrief) (types.DraftStory, error) {
	prompt, err := renderDraftPrompt(req, brief)
	if err != nil {
		return types.DraftStory{}, fmt.Errorf("render draft prompt: %w", err)
	}

	text, err := d.callWithRetry(ctx, d.draftModel, draftSystemPrompt, prompt, "draft")
	if err != nil {
		return types.DraftStory{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	story, err := parseDraft(text, brief)
	if err != nil {
		return types.DraftStory{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return story, nil
}

// Revise produces a new draft version addressing the given warnings.
// On any failure the prior draft is returned unchanged: a failed
// revision never loses an accepted-quality draft.
func (d *Drafter) Revise(ctx context.Context, prev types.DraftStory, warnings []types.QualityWarning) (types.DraftStory, error) {
	draftJSON, err := json.Marshal(prev)
	if err != nil {
		return prev, nil
	}
	prompt, err := renderRevisePrompt(string(draftJSON), warnings)
	if err != nil {
		return prev, nil
	}

	text, err := d.callWithRetry(ctx, d.reviseModel, reviseSystemPrompt, prompt, "revise")
	if err != nil {
		return prev, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	revised, err := parseDraft(text, prev.Research)
	if err != nil {
		return prev, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return mergeRevision(prev, revised), nil
}

// aiMetrics holds lazily-initialized OTel instruments for Anthropic calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/backlogai/backlogd/llm")
	aiMetrics.inputTokens, _ = m.Int64Counter("backlogd.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("backlogd.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("backlogd.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (d *Drafter) callWithRetry(ctx context.Context, model anthropic.Model, system, prompt, operation string) (string, error) {
	tracer := telemetry.Tracer("github.com/backlogai/backlogd/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("backlogd.ai.model", string(model)),
		attribute.String("backlogd.ai.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: int64(d.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			wait := d.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := d.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("backlogd.ai.model", string(model))
			if aiMetrics.inputTokens != nil {
				aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("backlogd.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("backlogd.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("backlogd.ai.attempts", attempt+1),
			)

			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d attempts: %w", d.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}
