// Package ingest normalizes inbound channel messages into the consolidation buffer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/metrics"
)

// Envelope is a provider-neutral inbound message. Kind is the provider's type
// name; anything that is not a supported MessageKind is dropped. MessageID is
// the provider's ID, used to ignore redelivered messages; empty disables that.
type Envelope struct {
	MessageID     string
	SenderID      string
	Kind          string
	TextContent   *string
	MediaRef      *string
	MediaMimeType *string
	SentAt        time.Time
}

// Service appends accepted envelopes to the buffer store.
type Service struct {
	store   database.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates an ingestion service. m may be nil.
func NewService(store database.Store, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:   store,
		logger:  logger.With("component", "ingest"),
		metrics: m,
	}
}

// Ingest buffers env. It returns false with a nil error when the envelope is
// dropped because its kind is unsupported or it carries no usable content.
func (s *Service) Ingest(ctx context.Context, env Envelope) (bool, error) {
	senderID := strings.TrimSpace(env.SenderID)
	if senderID == "" {
		return false, fmt.Errorf("envelope has no sender")
	}

	kind, ok := database.ParseMessageKind(env.Kind)
	if !ok {
		s.logger.DebugContext(ctx, "Dropping unsupported message kind", "sender_id", senderID, "kind", env.Kind)
		s.metrics.MessageIngested(env.Kind, metrics.OutcomeDropped)
		return false, nil
	}

	msg := &database.BufferedMessage{
		ProviderMessageID: trimmed(&env.MessageID),
		SenderID:          senderID,
		Kind:              kind,
		TextContent:       trimmed(env.TextContent),
		MediaRef:          trimmed(env.MediaRef),
		MediaMimeType:     trimmed(env.MediaMimeType),
		ReceivedAt:        env.SentAt,
	}

	switch kind {
	case database.KindText:
		if msg.TextContent == nil {
			return s.drop(ctx, msg, "empty text message")
		}
		msg.MediaRef, msg.MediaMimeType = nil, nil
	case database.KindAudio, database.KindImage, database.KindVideo:
		if msg.MediaRef == nil {
			return s.drop(ctx, msg, "media message without reference")
		}
	}

	err := s.store.AppendMessage(ctx, msg)
	if errors.Is(err, database.ErrDuplicateMessage) {
		s.logger.InfoContext(ctx, "Ignoring redelivered message", "sender_id", senderID, "message_id", env.MessageID)
		s.metrics.MessageIngested(string(kind), metrics.OutcomeDuplicate)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to buffer message from %s: %w", senderID, err)
	}

	s.metrics.MessageIngested(string(kind), metrics.OutcomeAccepted)
	s.logger.InfoContext(ctx, "Message buffered", "sender_id", senderID, "kind", kind, "buffer_id", msg.ID)
	return true, nil
}

// IngestAll ingests envelopes in order and returns how many were accepted.
// It stops at the first store error. Envelopes buffered before the error are
// recognized by their MessageID when the provider redelivers the batch.
func (s *Service) IngestAll(ctx context.Context, envs []Envelope) (int, error) {
	accepted := 0
	for _, env := range envs {
		ok, err := s.Ingest(ctx, env)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

func (s *Service) drop(ctx context.Context, msg *database.BufferedMessage, reason string) (bool, error) {
	s.logger.WarnContext(ctx, "Dropping message", "sender_id", msg.SenderID, "kind", msg.Kind, "reason", reason)
	s.metrics.MessageIngested(string(msg.Kind), metrics.OutcomeDropped)
	return false, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
