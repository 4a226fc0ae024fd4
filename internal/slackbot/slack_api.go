package slackbot

import "github.com/slack-go/slack"

// SlackAPI abstracts the subset of slack.Client methods the bot uses,
// so tests can substitute a mock without a live Slack connection.
type SlackAPI interface {
	OpenView(triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}
