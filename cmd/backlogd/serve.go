package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/backlogai/backlogd/internal/config"
	"github.com/backlogai/backlogd/internal/engine"
	"github.com/backlogai/backlogd/internal/jira"
	"github.com/backlogai/backlogd/internal/llm"
	"github.com/backlogai/backlogd/internal/priority"
	"github.com/backlogai/backlogd/internal/quality"
	"github.com/backlogai/backlogd/internal/research"
	"github.com/backlogai/backlogd/internal/server"
	"github.com/backlogai/backlogd/internal/session"
	"github.com/backlogai/backlogd/internal/slackbot"
	"github.com/backlogai/backlogd/internal/storage"
	"github.com/backlogai/backlogd/internal/syncstore"
	"github.com/backlogai/backlogd/internal/telemetry"

	slackapi "github.com/slack-go/slack"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backlogd HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	watcher := config.NewWatcher(cfg, configPath, log)

	if telemetry.Enabled() {
		if err := telemetry.Init(ctx, "backlogd", Version); err != nil {
			log.Warn("telemetry init failed, continuing without it", "error", err)
		} else {
			defer func() {
				if err := telemetry.Shutdown(context.Background()); err != nil {
					log.Warn("telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	// Drafting degrades to the fallback template when no model key is set.
	var drafter engine.Drafter
	if d, err := llm.NewDrafter(cfg.LLM); err != nil {
		log.Warn("model drafter disabled", "error", err)
	} else {
		drafter = d
	}

	eng := engine.New(
		research.NewProvider(cfg.Research, log),
		drafter,
		llm.FallbackDraft,
		quality.New(cfg.Quality),
		priority.New(cfg.Priority),
		cfg.Generation,
		log,
	)
	watcher.OnReload(func(next *config.Config) {
		eng.Retune(quality.New(next.Quality), priority.New(next.Priority), next.Generation)
	})

	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	jiraClient := jira.NewClient(cfg.Jira)
	if !jiraClient.Configured() {
		log.Warn("jira adapter not fully configured, sync calls will fail")
	}
	syncer := syncstore.New(store, jiraClient, log)

	sessions := session.NewStore(cfg.Session.TTL, cfg.Session.SweepInterval, log)
	defer sessions.Close()

	var bot *slackbot.Bot
	if cfg.Slack.Enabled {
		bot = slackbot.New(slackapi.New(cfg.Slack.BotToken), log)
	}

	srv := server.New(eng, syncer, sessions, bot, cfg.Slack, log)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("backlogd listening", "addr", cfg.Server.Addr, "slack_enabled", cfg.Slack.Enabled)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		log.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
