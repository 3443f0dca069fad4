// Package notify delivers operator notifications. Delivery failures are
// logged and never reach the caller.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}

// Sender is the part of *tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const sendTimeout = 10 * time.Second

// Telegram posts messages to a fixed set of admin chats.
type Telegram struct {
	sender Sender
	chats  []int64
	logger *zap.Logger
}

// NewTelegram logs in with token. It fails when the token is rejected.
func NewTelegram(token string, chats []int64, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: sendTimeout})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("Telegram notifier authorized", zap.String("account", bot.Self.UserName))
	return NewTelegramWithSender(bot, chats, logger), nil
}

func NewTelegramWithSender(sender Sender, chats []int64, logger *zap.Logger) *Telegram {
	return &Telegram{sender: sender, chats: chats, logger: logger.Named("notify")}
}

func (t *Telegram) Notify(ctx context.Context, text string) {
	for _, chatID := range t.chats {
		if ctx.Err() != nil {
			return
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := t.sender.Send(msg); err != nil {
			t.logger.Error("Failed to send notification", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}
