package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AppendMessage inserts a buffered message. LastActivityAt is always set to the
// insert time; ReceivedAt defaults to, and is capped at, the same instant.
// A ProviderMessageID already in the buffer yields ErrDuplicateMessage.
func (s *sqlxStore) AppendMessage(ctx context.Context, msg *BufferedMessage) error {
	if msg == nil {
		return fmt.Errorf("cannot append nil message")
	}
	if msg.SenderID == "" {
		return fmt.Errorf("message must have a non-empty sender_id")
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("message has unsupported kind %q", msg.Kind)
	}

	now := s.now()
	msg.LastActivityAt = now
	if msg.ReceivedAt.IsZero() || msg.ReceivedAt.After(now) {
		msg.ReceivedAt = now
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	query := `
        INSERT INTO buffered_messages (provider_message_id, sender_id, kind, text_content, media_ref, media_mime_type, received_at, last_activity_at)
        VALUES (:provider_message_id, :sender_id, :kind, :text_content, :media_ref, :media_mime_type, :received_at, :last_activity_at)
        ON CONFLICT (provider_message_id) DO NOTHING;
    `

	result, err := s.db.NamedExecContext(ctx, query, msg)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error appending buffered message", "sender_id", msg.SenderID, "kind", msg.Kind, "error", err)
		return fmt.Errorf("failed to append buffered message for sender %s: %w", msg.SenderID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		s.logger.DebugContext(ctx, "Buffered message already present", "sender_id", msg.SenderID, "provider_message_id", *msg.ProviderMessageID)
		return ErrDuplicateMessage
	}

	id, err := result.LastInsertId()
	if err == nil {
		msg.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after appending message",
			"sender_id", msg.SenderID, "error", err)
	}

	s.logger.DebugContext(ctx, "Buffered message appended",
		"sender_id", msg.SenderID, "kind", msg.Kind, "buffer_id", msg.ID)
	return nil
}

// SelectStale returns all rows of senders whose most recent activity is older than cutoff.
// A sender with any fresh row is excluded entirely so a burst is never split.
func (s *sqlxStore) SelectStale(ctx context.Context, cutoff time.Time) ([]*BufferedMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var messages []*BufferedMessage
	query := `
        SELECT id, provider_message_id, sender_id, kind, text_content, media_ref, media_mime_type, received_at, last_activity_at
        FROM buffered_messages
        WHERE sender_id IN (
            SELECT sender_id
            FROM buffered_messages
            GROUP BY sender_id
            HAVING MAX(last_activity_at) < ?
        )
        ORDER BY received_at ASC, id ASC;
    `

	s.logger.DebugContext(ctx, "Fetching stale buffered messages", "cutoff", cutoff)
	err := s.db.SelectContext(ctx, &messages, query, cutoff.UTC())

	switch {
	case isContextErr(err):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching stale messages", "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error fetching stale buffered messages", "error", err)
		return nil, fmt.Errorf("failed to fetch stale buffered messages: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched stale buffered messages", "count", len(messages))
	return messages, nil
}

// DeleteBufferedMessages removes the given buffer rows and returns how many were deleted.
func (s *sqlxStore) DeleteBufferedMessages(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM buffered_messages WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build query for deleting buffered messages: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting buffered messages", "count", len(ids), "error", err)
		return 0, fmt.Errorf("failed to delete buffered messages: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count", "error", err)
		return 0, nil
	}
	if int(affected) != len(ids) {
		s.logger.WarnContext(ctx, "Not all buffered messages were deleted",
			"requested", len(ids), "affected", affected)
	}

	s.logger.DebugContext(ctx, "Deleted buffered messages", "count", affected)
	return affected, nil
}

// CountBufferedMessages returns the number of rows waiting in the buffer.
func (s *sqlxStore) CountBufferedMessages(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM buffered_messages`); err != nil {
		return 0, fmt.Errorf("failed to count buffered messages: %w", err)
	}
	return count, nil
}
