package syncstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogai/backlogd/internal/jira"
	"github.com/backlogai/backlogd/internal/storage"
)

type fakeTracker struct {
	mu      sync.Mutex
	calls   atomic.Int32
	fail    bool
	created []jira.CreateInput
}

func (f *fakeTracker) CreateIssue(ctx context.Context, input jira.CreateInput) (*jira.CreatedIssue, error) {
	n := f.calls.Add(1)
	if f.fail {
		return nil, errors.New("tracker unavailable")
	}
	f.mu.Lock()
	f.created = append(f.created, input)
	f.mu.Unlock()
	key := fmt.Sprintf("PROJ-%d", n)
	return &jira.CreatedIssue{ID: fmt.Sprint(n), Key: key, URL: "https://jira.example/browse/" + key}, nil
}

func newSyncer(t *testing.T, tracker IssueCreator) *Syncer {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, tracker, slog.Default())
}

func TestSyncCreatesOnce(t *testing.T) {
	tracker := &fakeTracker{}
	s := newSyncer(t, tracker)
	input := Input{LogicalID: "story-1", Summary: "Reduce edits", Description: "desc", Labels: []string{"must-have"}}

	first, err := s.Sync(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "PROJ-1", first.JiraKey)
	assert.NotEmpty(t, first.Fingerprint)

	second, err := s.Sync(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, first.JiraKey, second.JiraKey)
	assert.Equal(t, int32(1), tracker.calls.Load(), "repeat sync must not reach the tracker")
}

func TestSyncFailureLeavesNoRecord(t *testing.T) {
	tracker := &fakeTracker{fail: true}
	s := newSyncer(t, tracker)
	input := Input{LogicalID: "story-1", Summary: "s", Description: "d"}

	_, err := s.Sync(context.Background(), input)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "story-1", syncErr.LogicalID)

	_, ok, err := s.Existing(context.Background(), "story-1")
	require.NoError(t, err)
	assert.False(t, ok, "failed sync must not persist a partial record")

	// Retry after the tracker recovers is a genuine first attempt.
	tracker.fail = false
	rec, err := s.Sync(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "PROJ-2", rec.JiraKey)
}

func TestSyncExactlyOneCreateUnderConcurrency(t *testing.T) {
	tracker := &fakeTracker{}
	s := newSyncer(t, tracker)
	input := Input{LogicalID: "story-1", Summary: "s", Description: "d"}

	const callers = 12
	var wg sync.WaitGroup
	keys := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.Sync(context.Background(), input)
			if err == nil {
				keys <- rec.JiraKey
			}
		}()
	}
	wg.Wait()
	close(keys)

	assert.Equal(t, int32(1), tracker.calls.Load(), "at most one tracker create per logical id")
	for key := range keys {
		assert.Equal(t, "PROJ-1", key)
	}
}

func TestSyncThreadsIssueTypeAndPriority(t *testing.T) {
	tracker := &fakeTracker{}
	s := newSyncer(t, tracker)

	_, err := s.Sync(context.Background(), Input{
		LogicalID:   "story-1",
		Summary:     "Reduce edits",
		Description: "desc",
		IssueType:   "Task",
		Priority:    "Won't Have",
		Labels:      []string{"backlogai"},
	})
	require.NoError(t, err)

	require.Len(t, tracker.created, 1)
	assert.Equal(t, "Task", tracker.created[0].IssueType)
	assert.Equal(t, []string{"backlogai", "priority-wont-have"}, tracker.created[0].Labels)
}

func TestSyncRejectsEmptyLogicalID(t *testing.T) {
	s := newSyncer(t, &fakeTracker{})
	_, err := s.Sync(context.Background(), Input{Summary: "s"})
	var syncErr *SyncError
	assert.ErrorAs(t, err, &syncErr)
}

func TestSyncDistinctIDsCreateDistinctIssues(t *testing.T) {
	tracker := &fakeTracker{}
	s := newSyncer(t, tracker)

	a, err := s.Sync(context.Background(), Input{LogicalID: "a", Summary: "s"})
	require.NoError(t, err)
	b, err := s.Sync(context.Background(), Input{LogicalID: "b", Summary: "s"})
	require.NoError(t, err)

	assert.NotEqual(t, a.JiraKey, b.JiraKey)
	assert.Equal(t, int32(2), tracker.calls.Load())
}
