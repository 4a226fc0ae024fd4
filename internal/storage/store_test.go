package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReserveThenComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reserved, existing, err := s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	rec, err := s.Complete(ctx, "story-1", "PROJ-42", "https://jira.example/browse/PROJ-42")
	require.NoError(t, err)
	assert.True(t, rec.Synced())
	assert.Equal(t, "PROJ-42", rec.JiraKey)
	assert.Equal(t, "fp-1", rec.Fingerprint)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestReserveSecondCallerSeesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	_, err = s.Complete(ctx, "story-1", "PROJ-42", "https://jira.example/browse/PROJ-42")
	require.NoError(t, err)

	reserved, existing, err := s.Reserve(ctx, "story-1", "fp-other")
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, "PROJ-42", existing.JiraKey)
	assert.Equal(t, "fp-1", existing.Fingerprint, "original fingerprint wins")
}

func TestReleaseClearsOnlyReservations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "story-1"))

	_, ok, err := s.Get(ctx, "story-1")
	require.NoError(t, err)
	assert.False(t, ok, "released reservation leaves no record behind")

	// A completed record survives a stray release.
	_, _, err = s.Reserve(ctx, "story-2", "fp-2")
	require.NoError(t, err)
	_, err = s.Complete(ctx, "story-2", "PROJ-7", "https://jira.example/browse/PROJ-7")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "story-2"))

	rec, ok, err := s.Get(ctx, "story-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Synced())
}

func TestReserveSingleWinnerUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const callers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, _, err := s.Reserve(ctx, "story-1", "fp-1")
			if err == nil && reserved {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one caller may win the reservation")
}

func TestReserveReclaimsStaleReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	reserved, _, err := s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	require.True(t, reserved)

	// A live reservation still blocks.
	reserved, existing, err := s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.False(t, existing.Synced())

	// After the holder crashed, the next attempt reclaims the row.
	now = now.Add(reservationTTL + time.Minute)
	reserved, _, err = s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	assert.True(t, reserved, "stale reservation must be reclaimed")

	// Completed records are never reclaimed, no matter how old.
	_, err = s.Complete(ctx, "story-1", "PROJ-1", "https://jira.example/browse/PROJ-1")
	require.NoError(t, err)
	now = now.Add(24 * time.Hour)
	reserved, existing, err = s.Reserve(ctx, "story-1", "fp-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.True(t, existing.Synced())
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	rec, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}
