package backends

import (
	"fmt"
	"time"

	"gopkg.in/telebot.v3"
)

// TelegramBackend delivers notifications as Telegram messages
type TelegramBackend struct {
	bot *telebot.Bot
}

// NewTelegramBackend creates a Telegram backend from a bot token
func NewTelegramBackend(token string) (*TelegramBackend, error) {
	pref := telebot.Settings{Token: token, Poller: &telebot.LongPoller{Timeout: 10 * time.Second}}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramBackend{bot: bot}, nil
}

func (b *TelegramBackend) ID() string {
	return "telegram"
}

func (b *TelegramBackend) Send(msg *Message) error {
	if msg.User.TelegramChatID == 0 {
		return fmt.Errorf("user %s has no telegram chat id", msg.User.Username)
	}

	text := fmt.Sprintf("🚨 %s\n%s", msg.Title, msg.Body)
	if msg.Important {
		text = "❗️ " + text
	}

	chat := &telebot.Chat{ID: msg.User.TelegramChatID}
	if _, err := b.bot.Send(chat, text); err != nil {
		return fmt.Errorf("failed to send telegram message to chat %d: %w", msg.User.TelegramChatID, err)
	}
	return nil
}
