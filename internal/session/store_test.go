package session

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogai/backlogd/internal/engine"
	"github.com/backlogai/backlogd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(30*time.Minute, time.Hour, slog.Default())
	t.Cleanup(s.Close)
	return s
}

func testRequest() types.BacklogRequest {
	return types.NewBacklogRequest("ctx", "objective", "", "", "", "", nil)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	id := s.Create("C123", "U456", testRequest())

	sess, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "C123", sess.ChannelID)
	assert.Equal(t, types.SyncIdle, sess.SyncStatus)
	assert.Nil(t, sess.Preview)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachPreview(t *testing.T) {
	s := newTestStore(t)
	id := s.Create("C1", "U1", testRequest())

	result := &engine.Result{Draft: types.DraftStory{Summary: "draft"}}
	require.NoError(t, s.AttachPreview(id, result))

	sess, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, sess.Preview)
	assert.Equal(t, "draft", sess.Preview.Draft.Summary)
}

func TestSyncLifecycle(t *testing.T) {
	s := newTestStore(t)
	id := s.Create("C1", "U1", testRequest())

	require.NoError(t, s.MarkSyncing(id))
	record := types.SyncRecord{LogicalID: id, JiraKey: "PROJ-1"}
	require.NoError(t, s.MarkSynced(id, record))

	sess, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, sess.SyncStatus)
	require.NotNil(t, sess.SyncRecord)
	assert.Equal(t, "PROJ-1", sess.SyncRecord.JiraKey)
}

func TestForwardOnlyTransitions(t *testing.T) {
	s := newTestStore(t)
	id := s.Create("C1", "U1", testRequest())

	// idle cannot jump straight to synced or error.
	assert.ErrorIs(t, s.MarkSynced(id, types.SyncRecord{}), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkError(id, "boom"), ErrInvalidTransition)

	require.NoError(t, s.MarkSyncing(id))
	// syncing cannot restart.
	assert.ErrorIs(t, s.MarkSyncing(id), ErrInvalidTransition)

	require.NoError(t, s.MarkError(id, "tracker down"))
	sess, _ := s.Get(id)
	assert.Equal(t, "tracker down", sess.SyncReason)

	// error -> syncing retry is allowed.
	require.NoError(t, s.MarkSyncing(id))
	require.NoError(t, s.MarkSynced(id, types.SyncRecord{JiraKey: "PROJ-9"}))

	// synced is terminal.
	assert.ErrorIs(t, s.MarkSyncing(id), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkError(id, "late"), ErrInvalidTransition)
}

func TestExpireDropsStaleSessions(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	stale := s.Create("C1", "U1", testRequest())
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	fresh := s.Create("C1", "U2", testRequest())

	s.now = func() time.Time { return base.Add(35 * time.Minute) }
	s.expire()

	_, err := s.Get(stale)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(fresh)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}
