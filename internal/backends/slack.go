package backends

import (
	"fmt"

	"github.com/slack-go/slack"
)

// SlackBackend delivers notifications as Slack direct messages
type SlackBackend struct {
	client *slack.Client
}

// NewSlackBackend creates a Slack backend from a bot token
func NewSlackBackend(botToken string) *SlackBackend {
	return &SlackBackend{client: slack.New(botToken)}
}

func (b *SlackBackend) ID() string {
	return "slack"
}

func (b *SlackBackend) Send(msg *Message) error {
	if msg.User.SlackUserID == "" {
		return fmt.Errorf("user %s has no slack user id", msg.User.Username)
	}

	text := fmt.Sprintf(":rotating_light: *%s*\n%s", msg.Title, msg.Body)
	if msg.Important {
		text = "<!here> " + text
	}

	_, _, err := b.client.PostMessage(
		msg.User.SlackUserID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message to %s: %w", msg.User.SlackUserID, err)
	}
	return nil
}
