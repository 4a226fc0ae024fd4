// Package session holds in-flight chat sessions: the request a user
// submitted, the latest generated preview, and the sync state. Sessions
// live in memory with a TTL sweeper; a lost session just means the user
// runs the command again.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/backlogai/backlogd/internal/engine"
	"github.com/backlogai/backlogd/internal/types"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when a status change would move
// backwards. Allowed: idle->syncing, syncing->{synced,error},
// error->syncing. synced is terminal.
var ErrInvalidTransition = errors.New("invalid sync status transition")

// Session is one chat-originated generation flow.
type Session struct {
	ID         string
	ChannelID  string
	UserID     string
	Request    types.BacklogRequest
	Preview    *engine.Result
	SyncStatus types.SyncStatus
	SyncRecord *types.SyncRecord
	SyncReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is a TTL-bounded in-memory session map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	log      *slog.Logger
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a session store and starts its expiry sweeper.
func NewStore(ttl, sweepInterval time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		log:      log,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// Close stops the expiry sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Create registers a new session for a request and returns its id.
func (s *Store) Create(channelID, userID string, req types.BacklogRequest) string {
	id := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	s.sessions[id] = &Session{
		ID:         id,
		ChannelID:  channelID,
		UserID:     userID,
		Request:    req,
		SyncStatus: types.SyncIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Unlock()
	return id
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// AttachPreview stores the generation result for the session.
func (s *Store) AttachPreview(id string, result *engine.Result) error {
	return s.update(id, func(sess *Session) error {
		sess.Preview = result
		return nil
	})
}

// MarkSyncing transitions the session into the in-flight sync state.
// Calling it on an already-synced session is rejected.
func (s *Store) MarkSyncing(id string) error {
	return s.transition(id, types.SyncSyncing)
}

// MarkSynced records the terminal successful sync.
func (s *Store) MarkSynced(id string, record types.SyncRecord) error {
	return s.update(id, func(sess *Session) error {
		if err := checkTransition(sess.SyncStatus, types.SyncSynced); err != nil {
			return err
		}
		sess.SyncStatus = types.SyncSynced
		sess.SyncRecord = &record
		sess.SyncReason = ""
		return nil
	})
}

// MarkError records a failed sync attempt; the session may retry.
func (s *Store) MarkError(id, reason string) error {
	return s.update(id, func(sess *Session) error {
		if err := checkTransition(sess.SyncStatus, types.SyncErrored); err != nil {
			return err
		}
		sess.SyncStatus = types.SyncErrored
		sess.SyncReason = reason
		return nil
	})
}

func (s *Store) transition(id string, to types.SyncStatus) error {
	return s.update(id, func(sess *Session) error {
		if err := checkTransition(sess.SyncStatus, to); err != nil {
			return err
		}
		sess.SyncStatus = to
		return nil
	})
}

func (s *Store) update(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	return nil
}

// checkTransition enforces the forward-only status machine.
func checkTransition(from, to types.SyncStatus) error {
	allowed := map[types.SyncStatus][]types.SyncStatus{
		types.SyncIdle:    {types.SyncSyncing},
		types.SyncSyncing: {types.SyncSynced, types.SyncErrored},
		types.SyncErrored: {types.SyncSyncing},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Store) expire() {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		// Synced sessions are done; everything idle past the TTL goes too.
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			s.log.Debug("session expired", "session_id", id, "status", sess.SyncStatus)
		}
	}
}
