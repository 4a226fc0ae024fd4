// Package syncstore guarantees at-most-one external issue per logical
// backlog item. It fronts the tracker adapter with the persistent
// reservation protocol from the storage package: repeat or concurrent
// sync requests for the same logical id resolve to the single record
// created by the first winner.
package syncstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/backlogai/backlogd/internal/jira"
	"github.com/backlogai/backlogd/internal/storage"
	"github.com/backlogai/backlogd/internal/telemetry"
	"github.com/backlogai/backlogd/internal/types"
)

// syncMetrics holds the lazily-initialized OTel counter for sync outcomes.
var syncMetrics struct {
	outcomes metric.Int64Counter
}

var syncMetricsOnce sync.Once

func initSyncMetrics() {
	m := telemetry.Meter("github.com/backlogai/backlogd/syncstore")
	syncMetrics.outcomes, _ = m.Int64Counter("backlogd.sync.outcomes",
		metric.WithDescription("Tracker sync attempts by outcome"),
	)
}

func recordOutcome(ctx context.Context, outcome string) {
	syncMetricsOnce.Do(initSyncMetrics)
	if syncMetrics.outcomes != nil {
		syncMetrics.outcomes.Add(ctx, 1,
			metric.WithAttributes(attribute.String("backlogd.sync.outcome", outcome)))
	}
}

// IssueCreator is the tracker call the syncer makes exactly once per
// logical item.
type IssueCreator interface {
	CreateIssue(ctx context.Context, input jira.CreateInput) (*jira.CreatedIssue, error)
}

// SyncError is a tracker-side failure. The reservation is released
// before it is returned, so a retry starts clean.
type SyncError struct {
	LogicalID string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.LogicalID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// inFlightError is returned when another caller holds the reservation
// for the same logical id right now.
type inFlightError struct{ logicalID string }

func (e *inFlightError) Error() string {
	return fmt.Sprintf("sync %s: another sync is in flight", e.logicalID)
}

// Syncer coordinates the idempotency store and the tracker adapter.
type Syncer struct {
	store   *storage.Store
	tracker IssueCreator
	log     *slog.Logger
}

// New builds a syncer.
func New(store *storage.Store, tracker IssueCreator, log *slog.Logger) *Syncer {
	return &Syncer{store: store, tracker: tracker, log: log}
}

// Input carries the issue content for one sync call. Priority is
// attached as a label because Jira priority-field names vary per
// project scheme.
type Input struct {
	LogicalID   string
	Summary     string
	Description string
	IssueType   string
	Priority    string
	Labels      []string
}

func (in Input) labels() []string {
	if in.Priority == "" {
		return in.Labels
	}
	slug := strings.NewReplacer(" ", "-", "'", "").Replace(strings.ToLower(in.Priority))
	return append(append([]string(nil), in.Labels...), "priority-"+slug)
}

// Sync creates the tracker issue for a logical item, or returns the
// existing record unchanged when one was already created. On tracker
// failure the reservation is dropped and no partial record survives.
func (s *Syncer) Sync(ctx context.Context, input Input) (types.SyncRecord, error) {
	if input.LogicalID == "" {
		return types.SyncRecord{}, &SyncError{LogicalID: input.LogicalID, Err: fmt.Errorf("logical id required")}
	}

	fingerprint := types.ContentFingerprint(input.Summary, input.Description)

	reserved, existing, err := s.store.Reserve(ctx, input.LogicalID, fingerprint)
	if err != nil {
		recordOutcome(ctx, "error")
		return types.SyncRecord{}, &SyncError{LogicalID: input.LogicalID, Err: err}
	}
	if !reserved {
		if existing.Synced() {
			s.log.Info("sync already completed, returning existing record",
				"logical_id", input.LogicalID, "jira_key", existing.JiraKey)
			recordOutcome(ctx, "existing")
			return toRecord(existing), nil
		}
		recordOutcome(ctx, "in_flight")
		return types.SyncRecord{}, &inFlightError{logicalID: input.LogicalID}
	}

	created, err := s.tracker.CreateIssue(ctx, jira.CreateInput{
		Summary:     input.Summary,
		Description: input.Description,
		IssueType:   input.IssueType,
		Labels:      input.labels(),
	})
	if err != nil {
		if relErr := s.store.Release(ctx, input.LogicalID); relErr != nil {
			s.log.Error("failed to release sync reservation",
				"logical_id", input.LogicalID, "error", relErr)
		}
		recordOutcome(ctx, "error")
		return types.SyncRecord{}, &SyncError{LogicalID: input.LogicalID, Err: err}
	}

	rec, err := s.store.Complete(ctx, input.LogicalID, created.Key, created.URL)
	if err != nil {
		recordOutcome(ctx, "error")
		return types.SyncRecord{}, &SyncError{LogicalID: input.LogicalID, Err: err}
	}

	recordOutcome(ctx, "created")
	s.log.Info("issue created", "logical_id", input.LogicalID, "jira_key", rec.JiraKey)
	return toRecord(rec), nil
}

// Existing returns the completed record for a logical id, if any.
func (s *Syncer) Existing(ctx context.Context, logicalID string) (types.SyncRecord, bool, error) {
	rec, ok, err := s.store.Get(ctx, logicalID)
	if err != nil || !ok || !rec.Synced() {
		return types.SyncRecord{}, false, err
	}
	return toRecord(rec), true, nil
}

func toRecord(r *storage.Record) types.SyncRecord {
	return types.SyncRecord{
		LogicalID:   r.LogicalID,
		Fingerprint: r.Fingerprint,
		JiraKey:     r.JiraKey,
		JiraURL:     r.JiraURL,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
	}
}
