// Package telegram connects a Telegram bot as a second inbound channel:
// updates are normalized into ingestion envelopes and file IDs are resolved to bytes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/sitelog/internal/ingest"
)

// Ingester accepts normalized envelopes.
type Ingester interface {
	Ingest(ctx context.Context, env ingest.Envelope) (bool, error)
}

// NewTelegramBot creates a new Telegram bot instance using the go-telegram/bot library.
func NewTelegramBot(token string, logger *slog.Logger, opts ...bot.Option) (*bot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_bot")

	b, err := bot.New(token, opts...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("Telegram bot instance created successfully", "token_prefix", tokenPrefix(token))
	return b, nil
}

// RegisterHandlers registers the /start command, which tells a user the sender
// ID to map to their site.
func RegisterHandlers(b *bot.Bot, logger *slog.Logger) error {
	if b == nil {
		return fmt.Errorf("bot instance cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "handler_registry")

	b.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, StartHandler(log))
	log.Info("Registered Telegram handlers successfully", "count", 1)
	return nil
}

// StartHandler replies with the caller's sender ID.
func StartHandler(log *slog.Logger) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		msg := update.Message
		if msg == nil || msg.From == nil {
			return
		}
		text := fmt.Sprintf("Send your daily site updates here. Your sender ID is %s; ask the administrator to map it to your site.",
			SenderID(msg.From.ID))
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: text}); err != nil {
			log.ErrorContext(ctx, "Failed to send start reply", "chat_id", msg.Chat.ID, "error", err)
		}
	}
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return "..."
	}
	return token[:8] + "..."
}
