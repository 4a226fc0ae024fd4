package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/backlogai/backlogd/internal/engine"
	"github.com/backlogai/backlogd/internal/syncstore"
	"github.com/backlogai/backlogd/internal/types"
)

// generateRequest is the JSON input for a generation call.
type generateRequest struct {
	Context        string   `json:"context"`
	Objective      string   `json:"objective"`
	TargetUser     string   `json:"target_user"`
	MarketSegment  string   `json:"market_segment"`
	Constraints    string   `json:"constraints"`
	SuccessMetrics string   `json:"success_metrics"`
	Competitors    []string `json:"competitors_optional"`
}

// generateResponse flattens the draft plus its quality and priority
// verdicts into the wire shape clients consume.
type generateResponse struct {
	types.DraftStory
	Status              string                    `json:"status"`
	ValidationWarnings  []string                  `json:"validation_warnings"`
	WarningDetails      []types.QualityWarning    `json:"warning_details"`
	QualityScore        float64                   `json:"quality_score"`
	QualityBreakdown    types.QualityBreakdown    `json:"quality_breakdown"`
	RoleScores          types.RoleScores          `json:"role_scores"`
	QualityConfidence   float64                   `json:"quality_confidence"`
	PriorityScore       float64                   `json:"priority_score"`
	MoscowPriority      types.MoSCoWLabel         `json:"moscow_priority"`
	PriorityLabel       types.PriorityBand        `json:"priority_label"`
	PriorityLabelText   string                    `json:"priority_label_text"`
	PriorityConfidence  float64                   `json:"priority_confidence"`
	PriorityBreakdown   types.PriorityBreakdown   `json:"priority_breakdown"`
	GenerationTelemetry types.GenerationTelemetry `json:"generation_telemetry"`
}

func toGenerateResponse(result *engine.Result) generateResponse {
	warnings := make([]string, 0, len(result.Quality.Warnings))
	for _, w := range result.Quality.Warnings {
		warnings = append(warnings, w.Message)
	}
	// A generated item stays a draft until it is synced to the tracker,
	// whether the quality gate accepted it or the loop exhausted.
	return generateResponse{
		DraftStory:          result.Draft,
		Status:              "draft",
		ValidationWarnings:  warnings,
		WarningDetails:      result.Quality.Warnings,
		QualityScore:        result.Quality.FinalScore(),
		QualityBreakdown:    result.Quality.Breakdown,
		RoleScores:          result.Quality.RoleScores,
		QualityConfidence:   result.Quality.Confidence,
		PriorityScore:       result.Priority.Score,
		MoscowPriority:      result.Priority.MoSCoW,
		PriorityLabel:       result.Priority.Band,
		PriorityLabelText:   result.Priority.BandText,
		PriorityConfidence:  result.Priority.Confidence,
		PriorityBreakdown:   result.Priority.Breakdown,
		GenerationTelemetry: result.Telemetry,
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := types.NewBacklogRequest(
		body.Context, body.Objective, body.TargetUser, body.MarketSegment,
		body.Constraints, body.SuccessMetrics, body.Competitors,
	)

	result, err := s.engine.Generate(r.Context(), req)
	if errors.Is(err, engine.ErrInvalidRequest) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.log.Error("generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "generation failed")
		return
	}

	writeJSON(w, http.StatusOK, toGenerateResponse(result))
}

// syncRequest is the JSON input for a sync call. logical_id defaults to
// the content fingerprint so duplicate payloads map to one issue.
type syncRequest struct {
	LogicalID   string   `json:"logical_id"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   string   `json:"issue_type"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
}

type syncResponse struct {
	ID      string `json:"id"`
	JiraKey string `json:"jira_key"`
	JiraURL string `json:"jira_url"`
	Status  string `json:"status"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Summary == "" {
		writeError(w, http.StatusUnprocessableEntity, "summary is required")
		return
	}

	logicalID := body.LogicalID
	if logicalID == "" {
		logicalID = types.ContentFingerprint(body.Summary, body.Description)
	}

	record, err := s.syncer.Sync(r.Context(), syncstore.Input{
		LogicalID:   logicalID,
		Summary:     body.Summary,
		Description: body.Description,
		IssueType:   body.IssueType,
		Priority:    body.Priority,
		Labels:      body.Labels,
	})
	if err != nil {
		var syncErr *syncstore.SyncError
		if errors.As(err, &syncErr) {
			s.log.Error("sync failed", "logical_id", logicalID, "error", err)
			writeError(w, http.StatusBadGateway, "issue tracker sync failed")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		ID:      record.LogicalID,
		JiraKey: record.JiraKey,
		JiraURL: record.JiraURL,
		Status:  record.Status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
