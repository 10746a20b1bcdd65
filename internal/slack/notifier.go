// Package slack posts turn outcomes to a channel.
package slack

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"github.com/blazehq/blaze/model"
)

// Notifier posts turn summaries to one Slack channel.
type Notifier struct {
	api     *slack.Client
	channel string
}

// NewNotifier creates a Notifier for the given bot token and channel.
func NewNotifier(botToken, channel string) *Notifier {
	return &Notifier{
		api:     slack.New(botToken),
		channel: channel,
	}
}

// TurnFinished posts a rich message for a finished turn: the summary, the
// changed files, and the token count. Failures are logged, never returned;
// notification must not affect the turn.
func (n *Notifier) TurnFinished(chatID string, result model.ApplyResult, tokens int64) {
	headerText := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf(":white_check_mark: *Changes applied*\n%s", summaryLine(result)),
		false, false)
	headerSection := slack.NewSectionBlock(headerText, nil, nil)

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Chat `%s` | %d files | %d tokens", chatID, len(result.AppliedPaths), tokens),
			false, false),
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	_, _, err := n.api.PostMessage(n.channel,
		slack.MsgOptionBlocks(headerSection, slack.NewDividerBlock(), contextBlock),
	)
	if err != nil {
		log.Printf("Slack: failed to post turn message: %v", err)
		n.post(fmt.Sprintf(":white_check_mark: Changes applied in chat %s: %s", chatID, summaryLine(result)))
	}
}

// TurnFailed posts a plain failure notice.
func (n *Notifier) TurnFailed(chatID, errText string) {
	n.post(fmt.Sprintf(":x: Turn failed in chat %s: %s", chatID, model.Truncate(errText, 300)))
}

func (n *Notifier) post(text string) {
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("Slack: failed to post message to %s: %v", n.channel, err)
	}
}

// summaryLine condenses an apply result to one display line.
func summaryLine(result model.ApplyResult) string {
	if result.Summary != "" {
		return model.Truncate(result.Summary, 120)
	}
	if len(result.AppliedPaths) > 0 {
		return model.Truncate(strings.Join(result.AppliedPaths, ", "), 120)
	}
	return "no files changed"
}
