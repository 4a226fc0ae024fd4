package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"

	"github.com/backlogai/backlogd/internal/slackbot"
	"github.com/backlogai/backlogd/internal/syncstore"
	"github.com/backlogai/backlogd/internal/types"
)

// verifySlack checks the request signature and returns the body.
// Verification is skipped when no signing secret is configured (tests,
// local development).
func (s *Server) verifySlack(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	if s.slackCfg.SigningSecret == "" {
		return body, true
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, s.slackCfg.SigningSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing signature headers")
		return nil, false
	}
	if _, err := verifier.Write(body); err != nil {
		writeError(w, http.StatusInternalServerError, "signature check failed")
		return nil, false
	}
	if err := verifier.Ensure(); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

// handleSlackCommand opens the input modal for the slash command.
func (s *Server) handleSlackCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySlack(w, r)
	if !ok {
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed command payload")
		return
	}

	triggerID := values.Get("trigger_id")
	channelID := values.Get("channel_id")
	userID := values.Get("user_id")
	if err := s.bot.OpenInputModal(triggerID, channelID, userID); err != nil {
		s.log.Error("failed to open input modal", "error", err)
		writeError(w, http.StatusBadGateway, "could not open form")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSlackInteraction handles modal submissions and the sync button.
// Slack requires a fast 200; generation runs in the background and the
// preview is posted when it finishes.
func (s *Server) handleSlackInteraction(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySlack(w, r)
	if !ok {
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed interaction payload")
		return
	}

	var cb slack.InteractionCallback
	if err := json.NewDecoder(bytes.NewReader([]byte(values.Get("payload")))).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "malformed interaction callback")
		return
	}

	switch cb.Type {
	case slack.InteractionTypeViewSubmission:
		s.handleModalSubmission(w, &cb)
	case slack.InteractionTypeBlockActions:
		s.handleBlockActions(w, &cb)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleModalSubmission(w http.ResponseWriter, cb *slack.InteractionCallback) {
	req, meta, err := slackbot.ParseSubmission(cb)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Valid() {
		// Slack renders per-field errors from the response body.
		writeJSON(w, http.StatusOK, map[string]any{
			"response_action": "errors",
			"errors": map[string]string{
				"context":   "Context and objective are required",
				"objective": "Context and objective are required",
			},
		})
		return
	}

	sessionID := s.sessions.Create(meta.ChannelID, meta.UserID, req)
	w.WriteHeader(http.StatusOK)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.generateTimeout)
		defer cancel()

		result, err := s.engine.Generate(ctx, req)
		if err != nil {
			s.log.Error("slack generation failed", "session_id", sessionID, "error", err)
			if postErr := s.bot.PostError(meta.ChannelID, "story generation failed"); postErr != nil {
				s.log.Error("failed to post error message", "error", postErr)
			}
			return
		}
		if err := s.sessions.AttachPreview(sessionID, result); err != nil {
			s.log.Error("failed to attach preview", "session_id", sessionID, "error", err)
			return
		}
		if err := s.bot.PostPreview(meta.ChannelID, sessionID, result); err != nil {
			s.log.Error("failed to post preview", "session_id", sessionID, "error", err)
		}
	}()
}

func (s *Server) handleBlockActions(w http.ResponseWriter, cb *slack.InteractionCallback) {
	w.WriteHeader(http.StatusOK)

	for _, action := range cb.ActionCallback.BlockActions {
		if action.ActionID != slackbot.ActionSyncToJira {
			continue
		}
		go s.syncSession(action.Value)
	}
}

// syncSession pushes the session's previewed draft to the tracker. A
// session already synced reports the existing issue again instead of
// re-syncing.
func (s *Server) syncSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.generateTimeout)
	defer cancel()

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		s.log.Warn("sync for unknown session", "session_id", sessionID)
		return
	}
	if sess.SyncStatus == types.SyncSynced && sess.SyncRecord != nil {
		if err := s.bot.PostSyncSuccess(sess.ChannelID, *sess.SyncRecord); err != nil {
			s.log.Error("failed to repost sync result", "error", err)
		}
		return
	}
	if sess.Preview == nil {
		if err := s.bot.PostError(sess.ChannelID, "no preview to sync yet"); err != nil {
			s.log.Error("failed to post error message", "error", err)
		}
		return
	}

	if err := s.sessions.MarkSyncing(sessionID); err != nil {
		s.log.Warn("sync already in flight", "session_id", sessionID, "error", err)
		return
	}

	draft := sess.Preview.Draft
	record, err := s.syncer.Sync(ctx, syncstore.Input{
		LogicalID:   sessionID,
		Summary:     draft.Summary,
		Description: draft.Description,
		Priority:    string(sess.Preview.Priority.MoSCoW),
		Labels:      []string{"backlogai"},
	})
	if err != nil {
		s.log.Error("session sync failed", "session_id", sessionID, "error", err)
		if markErr := s.sessions.MarkError(sessionID, err.Error()); markErr != nil {
			s.log.Error("failed to mark session error", "error", markErr)
		}
		if postErr := s.bot.PostError(sess.ChannelID, "issue tracker sync failed"); postErr != nil {
			s.log.Error("failed to post error message", "error", postErr)
		}
		return
	}

	if err := s.sessions.MarkSynced(sessionID, record); err != nil {
		s.log.Error("failed to mark session synced", "session_id", sessionID, "error", err)
	}
	if err := s.bot.PostSyncSuccess(sess.ChannelID, record); err != nil {
		s.log.Error("failed to post sync result", "error", err)
	}
}
