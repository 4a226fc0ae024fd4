// Package slackbot renders the chat flow: an input modal, a story
// preview with a sync button, and terminal success/error messages.
// All Slack I/O goes through the SlackAPI interface.
package slackbot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/backlogai/backlogd/internal/engine"
	"github.com/backlogai/backlogd/internal/types"
)

// Interaction identifiers shared with the HTTP handlers.
const (
	CallbackModalSubmit = "backlogai_modal_submit"
	ActionSyncToJira    = "sync_to_jira"
)

// modal input block ids; each block uses the same id for its element.
var modalFields = []struct {
	id          string
	label       string
	required    bool
	multiline   bool
	placeholder string
	hint        string
}{
	{"context", "Context", true, true, "Describe product background and user problem", "Include current pain point, affected users, and business context."},
	{"objective", "Objective", true, true, "State the desired outcome", "Keep this outcome-focused and measurable."},
	{"target_user", "Target User", false, false, "Example: Product Manager", "Primary persona who benefits from this change."},
	{"market_segment", "Market Segment", false, false, "Example: B2B SaaS", "Industry or segment this story targets."},
	{"constraints", "Constraints", false, true, "List technical or business constraints", "Regulatory, timeline, platform, or architecture constraints."},
	{"success_metrics", "Success Metrics", false, true, "Define measurable success outcomes", "Examples: completion rate, SLA, reduction percentage."},
	{"competitors", "Competitors (comma-separated)", false, false, "Example: Linear, Productboard", "Optional. Used for comparative market analysis."},
}

// Bot posts the chat surfaces for the generation flow.
type Bot struct {
	api SlackAPI
	log *slog.Logger
}

// New creates a bot over the given Slack API.
func New(api SlackAPI, log *slog.Logger) *Bot {
	return &Bot{api: api, log: log}
}

// ModalMetadata travels through the modal's private metadata so the
// submission handler knows where to post results.
type ModalMetadata struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// OpenInputModal opens the request form in response to a slash command.
func (b *Bot) OpenInputModal(triggerID, channelID, userID string) error {
	meta, err := json.Marshal(ModalMetadata{ChannelID: channelID, UserID: userID})
	if err != nil {
		return err
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				"*BacklogAI Input Form*\nShare context and objective. We will generate a Jira-ready story preview.", false, false),
			nil, nil),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				"Required: *Context* and *Objective*. Optional fields improve quality and prioritization.", false, false)),
		slack.NewDividerBlock(),
	}
	for _, f := range modalFields {
		element := slack.NewPlainTextInputBlockElement(
			slack.NewTextBlockObject(slack.PlainTextType, f.placeholder, false, false), f.id)
		element.Multiline = f.multiline

		input := slack.NewInputBlock(f.id,
			slack.NewTextBlockObject(slack.PlainTextType, f.label, false, false),
			slack.NewTextBlockObject(slack.PlainTextType, f.hint, false, false),
			element)
		input.Optional = !f.required
		blocks = append(blocks, input)
	}

	view := slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      CallbackModalSubmit,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "BacklogAI", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Generate", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		PrivateMetadata: string(meta),
		Blocks:          slack.Blocks{BlockSet: blocks},
	}

	_, err = b.api.OpenView(triggerID, view)
	return err
}

// ParseSubmission extracts the backlog request from a submitted modal.
func ParseSubmission(cb *slack.InteractionCallback) (types.BacklogRequest, ModalMetadata, error) {
	var meta ModalMetadata
	if cb.View.PrivateMetadata != "" {
		if err := json.Unmarshal([]byte(cb.View.PrivateMetadata), &meta); err != nil {
			return types.BacklogRequest{}, meta, fmt.Errorf("parse modal metadata: %w", err)
		}
	}

	value := func(id string) string {
		block, ok := cb.View.State.Values[id]
		if !ok {
			return ""
		}
		return strings.TrimSpace(block[id].Value)
	}

	var competitors []string
	for _, c := range strings.Split(value("competitors"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			competitors = append(competitors, c)
		}
	}

	req := types.NewBacklogRequest(
		value("context"),
		value("objective"),
		value("target_user"),
		value("market_segment"),
		value("constraints"),
		value("success_metrics"),
		competitors,
	)
	return req, meta, nil
}

// PostPreview posts the generated story preview with the sync button.
func (b *Bot) PostPreview(channelID, sessionID string, result *engine.Result) error {
	draft := result.Draft

	criteria := draft.AcceptanceCriteria
	if len(criteria) > 5 {
		criteria = criteria[:5]
	}
	acText := "• None"
	if len(criteria) > 0 {
		var lines []string
		for _, c := range criteria {
			lines = append(lines, "• "+c)
		}
		acText = strings.Join(lines, "\n")
	}

	syncButton := slack.NewButtonBlockElement(ActionSyncToJira, sessionID,
		slack.NewTextBlockObject(slack.PlainTextType, "Sync to JIRA", false, false))
	syncButton.Style = slack.StylePrimary

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "BacklogAI Story Preview", false, false)),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "Review this draft before syncing.", false, false)),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Summary*\n%s", draft.Summary), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Priority*\n%s", result.Priority.MoSCoW), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Quality Score*\n%d", int(result.Quality.FinalScore())), false, false),
		}, nil),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*User Story*\n%s", draft.UserStory), false, false),
			nil, nil),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Acceptance Criteria*\n%s", acText), false, false),
			nil, nil),
		slack.NewActionBlock("preview_actions", syncButton),
	}

	_, _, err := b.api.PostMessage(channelID,
		slack.MsgOptionText("BacklogAI Story Preview", false),
		slack.MsgOptionBlocks(blocks...))
	return err
}

// PostSyncSuccess announces the created tracker issue.
func (b *Bot) PostSyncSuccess(channelID string, record types.SyncRecord) error {
	text := fmt.Sprintf("JIRA ticket created: *%s*\n<%s|Open ticket>", record.JiraKey, record.JiraURL)
	_, _, err := b.api.PostMessage(channelID, slack.MsgOptionText(text, false))
	return err
}

// PostError reports a failure in the channel.
func (b *Bot) PostError(channelID, message string) error {
	_, _, err := b.api.PostMessage(channelID,
		slack.MsgOptionText(fmt.Sprintf("Something went wrong: %s", message), false))
	return err
}
