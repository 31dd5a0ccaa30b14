package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// TelegramNotifier sends notifications to a Telegram chat.
type TelegramNotifier struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Deliver(ctx context.Context, executionID uuid.UUID, p Payload) (*Result, error) {
	msg, err := n.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: tu.ID(n.chatID),
		Text:   formatText(p),
	})
	if err != nil {
		// Telegram transport errors are retryable; the API rarely rejects
		// plain text outright.
		return nil, fmt.Errorf("%w: telegram: %v", ErrUnavailable, err)
	}
	return &Result{ProviderMessageID: strconv.Itoa(msg.MessageID)}, nil
}
