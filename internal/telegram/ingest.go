package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/sitelog/internal/ingest"
)

// SenderPrefix distinguishes Telegram senders from WhatsApp phone numbers.
const SenderPrefix = "tg:"

// RefScheme is the media-ref scheme routed to the Telegram file resolver.
const RefScheme = "telegram"

// SenderID returns the buffer sender ID for a Telegram user.
func SenderID(userID int64) string {
	return SenderPrefix + strconv.FormatInt(userID, 10)
}

// MessageID returns the provider message ID. Telegram message IDs are only
// unique within a chat.
func MessageID(chatID int64, messageID int) string {
	return SenderPrefix + strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// MediaRef returns the media reference for a Telegram file ID.
func MediaRef(fileID string) string {
	return RefScheme + ":" + fileID
}

// EnvelopeFromMessage normalizes a Telegram message. It returns false for
// messages without a sender, such as channel posts.
func EnvelopeFromMessage(msg *models.Message) (ingest.Envelope, bool) {
	if msg == nil || msg.From == nil {
		return ingest.Envelope{}, false
	}

	env := ingest.Envelope{
		MessageID: MessageID(msg.Chat.ID, msg.ID),
		SenderID:  SenderID(msg.From.ID),
	}
	if msg.Date > 0 {
		env.SentAt = time.Unix(int64(msg.Date), 0).UTC()
	}
	if msg.Caption != "" {
		caption := msg.Caption
		env.TextContent = &caption
	}

	switch {
	case msg.Voice != nil:
		env.Kind = "audio"
		setMedia(&env, msg.Voice.FileID, msg.Voice.MimeType)
	case msg.Audio != nil:
		env.Kind = "audio"
		setMedia(&env, msg.Audio.FileID, msg.Audio.MimeType)
	case len(msg.Photo) > 0:
		// Sizes are ordered smallest first.
		env.Kind = "image"
		setMedia(&env, msg.Photo[len(msg.Photo)-1].FileID, "image/jpeg")
	case msg.Video != nil:
		env.Kind = "video"
		setMedia(&env, msg.Video.FileID, msg.Video.MimeType)
	case msg.Text != "":
		env.Kind = "text"
		text := msg.Text
		env.TextContent = &text
	default:
		env.Kind = "unsupported"
	}
	return env, true
}

func setMedia(env *ingest.Envelope, fileID, mimeType string) {
	if fileID != "" {
		ref := MediaRef(fileID)
		env.MediaRef = &ref
	}
	if mimeType != "" {
		env.MediaMimeType = &mimeType
	}
}

// IngestHandler is the bot's default handler: every private or group message
// is buffered for consolidation.
func IngestHandler(svc Ingester, logger *slog.Logger) bot.HandlerFunc {
	log := logger.With("component", "telegram_ingest")
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		env, ok := EnvelopeFromMessage(update.Message)
		if !ok {
			return
		}
		accepted, err := svc.Ingest(ctx, env)
		if err != nil {
			log.ErrorContext(ctx, "Failed to ingest Telegram message", "sender_id", env.SenderID, "error", err)
			return
		}
		log.DebugContext(ctx, "Telegram message handled", "sender_id", env.SenderID, "kind", env.Kind, "accepted", accepted)
	}
}
