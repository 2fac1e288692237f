package alerts

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// NewTelegramSender builds a send-only Sender over the Telegram Bot API.
// Unlike the teacher's TelegramChannel, this never polls for updates — the
// governance system has no inbound chat command surface, only outbound
// alerts.
func NewTelegramSender(botToken, chatID string) (Sender, error) {
	if botToken == "" || chatID == "" {
		return nil, fmt.Errorf("alerts: telegram: bot token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("alerts: telegram: init: %w", err)
	}

	chat, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}

	return func(text string) error {
		msg := tgbotapi.NewMessage(chat, text)
		_, err := bot.Send(msg)
		if err != nil {
			return fmt.Errorf("alerts: telegram: send: %w", err)
		}
		return nil
	}, nil
}

func parseChatID(chatID string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatID, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("alerts: telegram: invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}
