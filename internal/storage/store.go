// Package storage persists sync idempotency records in SQLite.
//
// The store is the single source of truth for "has this logical item
// already been pushed to the tracker": a row per logical id, created at
// most once, with an in-flight reservation state so concurrent sync
// attempts resolve to exactly one external create.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Record row statuses. A reservation row ("syncing") only exists while
// a tracker call is in flight; it is promoted to "synced" or deleted.
const (
	statusSyncing = "syncing"
	statusSynced  = "synced"
)

// reservationTTL bounds how long a "syncing" row can block a logical id.
// A crash between Reserve and Complete/Release would otherwise wedge the
// id forever; reservations older than this are reclaimed on the next
// Reserve. Tracker calls finish in seconds, so ten minutes is generous.
const reservationTTL = 10 * time.Minute

// Store wraps the SQLite database holding sync records.
type Store struct {
	db         *sql.DB
	now        func() time.Time
	staleAfter time.Duration
}

// Record is one persisted sync idempotency row.
type Record struct {
	LogicalID   string
	Fingerprint string
	JiraKey     string
	JiraURL     string
	Status      string
	CreatedAt   time.Time
}

// NewStore opens (creating if needed) the database at path. Pass
// ":memory:" for an ephemeral store in tests.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now, staleAfter: reservationTTL}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sync_records (
			logical_id  TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			jira_key    TEXT NOT NULL DEFAULT '',
			jira_url    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sync_fingerprint ON sync_records(fingerprint);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reserve atomically claims logicalID for an in-flight sync. It returns
// reserved=true when the caller won the row; otherwise the existing
// record is returned, whether a completed sync or another caller's
// live reservation. The INSERT's conflict clause is the single-winner
// guarantee: two racing callers cannot both see reserved=true.
func (s *Store) Reserve(ctx context.Context, logicalID, fingerprint string) (reserved bool, existing *Record, err error) {
	// Reclaim a reservation orphaned by a crash mid-sync.
	cutoff := s.now().Add(-s.staleAfter).UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_records
		WHERE logical_id = ? AND status = ? AND created_at < ?`,
		logicalID, statusSyncing, cutoff); err != nil {
		return false, nil, fmt.Errorf("storage: reclaim stale reservation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_records (logical_id, fingerprint, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(logical_id) DO NOTHING`,
		logicalID, fingerprint, statusSyncing, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, nil, fmt.Errorf("storage: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("storage: reserve: %w", err)
	}
	if n == 1 {
		return true, nil, nil
	}

	rec, _, err := s.Get(ctx, logicalID)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// Complete promotes a reservation to a synced record with the tracker's
// issue key and URL.
func (s *Store) Complete(ctx context.Context, logicalID, jiraKey, jiraURL string) (*Record, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET status = ?, jira_key = ?, jira_url = ?
		WHERE logical_id = ?`,
		statusSynced, jiraKey, jiraURL, logicalID)
	if err != nil {
		return nil, fmt.Errorf("storage: complete: %w", err)
	}
	rec, ok, err := s.Get(ctx, logicalID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("storage: complete: record %q vanished", logicalID)
	}
	return rec, nil
}

// Release drops an in-flight reservation after a failed tracker call so
// the next attempt starts clean. Completed records are never touched.
func (s *Store) Release(ctx context.Context, logicalID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_records WHERE logical_id = ? AND status = ?`,
		logicalID, statusSyncing)
	if err != nil {
		return fmt.Errorf("storage: release: %w", err)
	}
	return nil
}

// Get returns the record for logicalID, with ok=false when none exists.
func (s *Store) Get(ctx context.Context, logicalID string) (*Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT logical_id, fingerprint, jira_key, jira_url, status, created_at
		FROM sync_records WHERE logical_id = ?`, logicalID)

	var rec Record
	var createdAt string
	err := row.Scan(&rec.LogicalID, &rec.Fingerprint, &rec.JiraKey, &rec.JiraURL, &rec.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		rec.CreatedAt = t
	}
	return &rec, true, nil
}

// Synced reports whether the record represents a completed sync.
func (r *Record) Synced() bool {
	return r != nil && r.Status == statusSynced
}
