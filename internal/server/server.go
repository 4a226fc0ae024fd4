// Package server exposes the generation and sync pipeline over HTTP:
// the JSON API consumed by the web client plus the Slack command and
// interaction endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/engine"
	"github.com/backlogai/backlogd/internal/session"
	"github.com/backlogai/backlogd/internal/slackbot"
	"github.com/backlogai/backlogd/internal/syncstore"
	"github.com/backlogai/backlogd/internal/types"
)

// Generator runs one backlog-generation request.
type Generator interface {
	Generate(ctx context.Context, req types.BacklogRequest) (*engine.Result, error)
}

// Syncer pushes an accepted item to the tracker, idempotently.
type Syncer interface {
	Sync(ctx context.Context, input syncstore.Input) (types.SyncRecord, error)
}

// Server wires the HTTP handlers to the pipeline components.
type Server struct {
	engine   Generator
	syncer   Syncer
	sessions *session.Store
	bot      *slackbot.Bot
	slackCfg config.SlackConfig
	log      *slog.Logger

	// generateTimeout bounds one full pipeline run kicked off by a
	// Slack submission, which must return 200 immediately.
	generateTimeout time.Duration
}

// New builds a server. bot and sessions may be nil when the Slack flow
// is disabled.
func New(eng Generator, syncer Syncer, sessions *session.Store, bot *slackbot.Bot, slackCfg config.SlackConfig, log *slog.Logger) *Server {
	return &Server{
		engine:          eng,
		syncer:          syncer,
		sessions:        sessions,
		bot:             bot,
		slackCfg:        slackCfg,
		log:             log,
		generateTimeout: 2 * time.Minute,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v2/backlog/generate-v2", s.handleGenerate)
	mux.HandleFunc("POST /api/v2/backlog/sync-jira-v2", s.handleSync)
	if s.slackCfg.Enabled {
		mux.HandleFunc("POST /slack/commands", s.handleSlackCommand)
		mux.HandleFunc("POST /slack/interactions", s.handleSlackInteraction)
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "backlogd"})
}
