package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSendInterval spaces messages to stay under the bot rate limit.
const telegramSendInterval = 50 * time.Millisecond

// TelegramSender delivers notifications through a Telegram bot.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	mu       sync.Mutex
	lastSend time.Time
}

// NewTelegramSender connects the bot and targets chatID for alerts.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	return NewTelegramSenderWithEndpoint(token, tgbotapi.APIEndpoint, chatID)
}

// NewTelegramSenderWithEndpoint is NewTelegramSender against a custom Bot API
// server. endpoint must contain the two %s verbs of tgbotapi.APIEndpoint.
func NewTelegramSenderWithEndpoint(token, endpoint string, chatID int64) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	bot.Debug = false
	return &TelegramSender{bot: bot, chatID: chatID}, nil
}

// Send posts an alert to the configured chat. The title is rendered in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	if t.chatID == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("*%s*\n%s", title, message))
	msg.ParseMode = tgbotapi.ModeMarkdown
	return t.send(ctx, msg)
}

// SendTo sends a private message when userID is a Telegram user id. Other
// ids are mentioned in the configured chat instead.
func (t *TelegramSender) SendTo(ctx context.Context, userID, message string) error {
	if id, err := strconv.ParseInt(userID, 10, 64); err == nil {
		return t.send(ctx, tgbotapi.NewMessage(id, message))
	}
	if t.chatID == 0 {
		return fmt.Errorf("telegram: user %q is not a telegram id and no chat is configured", userID)
	}
	return t.send(ctx, tgbotapi.NewMessage(t.chatID, fmt.Sprintf("@%s %s", userID, message)))
}

func (t *TelegramSender) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if wait := telegramSendInterval - time.Since(t.lastSend); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.lastSend = time.Now()

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send to %d: %w", msg.ChatID, err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
