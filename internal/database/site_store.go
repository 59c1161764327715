package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// UpsertSite inserts a site or updates its name, location and active flag.
func (s *sqlxStore) UpsertSite(ctx context.Context, site *Site) error {
	if site == nil {
		return fmt.Errorf("cannot save nil site")
	}
	if site.Name == "" {
		return fmt.Errorf("site must have a non-empty name")
	}
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = s.now()
	}

	query := `
        INSERT INTO sites (id, name, location, is_active, created_at)
        VALUES (:id, :name, :location, :is_active, :created_at)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            location = excluded.location,
            is_active = excluded.is_active;
    `
	if _, err := s.db.NamedExecContext(ctx, query, site); err != nil {
		s.logger.ErrorContext(ctx, "Error saving site", "site_id", site.ID, "error", err)
		return fmt.Errorf("failed to save site %s: %w", site.ID, err)
	}

	s.logger.DebugContext(ctx, "Site saved successfully", "site_id", site.ID)
	return nil
}

// UpsertSupervisor inserts a supervisor or updates the existing row for the same sender.
func (s *sqlxStore) UpsertSupervisor(ctx context.Context, supervisor *Supervisor) error {
	if supervisor == nil {
		return fmt.Errorf("cannot save nil supervisor")
	}
	if supervisor.SenderID == "" {
		return fmt.Errorf("supervisor must have a non-empty sender_id")
	}
	if supervisor.ID == "" {
		supervisor.ID = uuid.NewString()
	}
	if supervisor.CreatedAt.IsZero() {
		supervisor.CreatedAt = s.now()
	}

	return s.withTx(ctx, "upsert_supervisor", func(tx *sqlx.Tx) error {
		query := `
            INSERT INTO supervisors (id, sender_id, name, site_id, created_at)
            VALUES (:id, :sender_id, :name, :site_id, :created_at)
            ON CONFLICT (sender_id) DO UPDATE SET
                name = excluded.name,
                site_id = excluded.site_id;
        `
		if _, err := tx.NamedExecContext(ctx, query, supervisor); err != nil {
			s.logger.ErrorContext(ctx, "Error saving supervisor", "sender_id", supervisor.SenderID, "error", err)
			return fmt.Errorf("failed to save supervisor %s: %w", supervisor.SenderID, err)
		}

		// Reload the ID in case the row already existed under another one
		if err := tx.GetContext(ctx, &supervisor.ID,
			`SELECT id FROM supervisors WHERE sender_id = ?`, supervisor.SenderID); err != nil {
			return fmt.Errorf("failed to reload supervisor %s: %w", supervisor.SenderID, err)
		}
		return nil
	})
}

// FindSiteForSender resolves the sender's supervisor mapping to an active site.
// Returns nil, nil when the sender is unknown, unassigned, or assigned to an inactive site.
func (s *sqlxStore) FindSiteForSender(ctx context.Context, senderID string) (*Site, error) {
	if senderID == "" {
		return nil, fmt.Errorf("sender_id cannot be empty")
	}

	var site Site
	query := `
        SELECT s.id, s.name, s.location, s.is_active, s.created_at
        FROM supervisors sv
        JOIN sites s ON s.id = sv.site_id
        WHERE sv.sender_id = ? AND s.is_active = 1
        LIMIT 1;
    `
	err := s.db.GetContext(ctx, &site, query, senderID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No site mapped for sender", "sender_id", senderID)
		return nil, nil

	case isContextErr(err):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while resolving sender", "sender_id", senderID, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error resolving site for sender", "sender_id", senderID, "error", err)
		return nil, fmt.Errorf("failed to resolve site for sender %s: %w", senderID, err)
	}

	return &site, nil
}
