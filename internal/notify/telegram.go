package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
)

// telegramSender is the slice of tgbotapi.BotAPI the notifier uses.
// Tests substitute a recorder.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier delivers notifications as Telegram direct messages.
// User IDs are Telegram chat IDs in decimal form; admin alerts go to
// the configured operator chat.
type TelegramNotifier struct {
	api         telegramSender
	adminChatID int64
	logger      *slog.Logger
}

// NewTelegramNotifier connects to the Telegram Bot API. Returns an
// error when the token is rejected so startup can fall back to the
// remaining channels.
func NewTelegramNotifier(cfg config.NotifyConfig, logger *slog.Logger) (*TelegramNotifier, error) {
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot api: %w", err)
	}
	return newTelegramNotifier(api, cfg.TelegramChatID, logger), nil
}

func newTelegramNotifier(api telegramSender, adminChatID int64, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &TelegramNotifier{
		api:         api,
		adminChatID: adminChatID,
		logger:      logger.With(slog.String("component", "notify.telegram")),
	}
}

// Notify implements Notifier.
func (t *TelegramNotifier) Notify(ctx context.Context, userID, message string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("user id %q is not a telegram chat id: %w", userID, err)
	}
	msg := tgbotapi.NewMessage(chatID, message)
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// AdminAlert implements Notifier.
func (t *TelegramNotifier) AdminAlert(ctx context.Context, message string) error {
	if t.adminChatID == 0 {
		t.logger.DebugContext(ctx, "No admin chat configured, dropping alert")
		return nil
	}
	msg := tgbotapi.NewMessage(t.adminChatID, message)
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram admin alert: %w", err)
	}
	return nil
}
