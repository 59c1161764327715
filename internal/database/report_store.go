package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const reportColumns = `id, site_id, report_date, workers_present, work_done, materials_needed,
        issues_flagged, summary, raw_combined_text, source_kinds, received_at, created_at, updated_at`

const mediaColumns = `id, report_id, public_url, storage_key, kind, mime_type, position, created_at`

// FindReportByUnitAndDate returns the report filed for a site on a date, or nil, nil.
func (s *sqlxStore) FindReportByUnitAndDate(ctx context.Context, siteID, reportDate string) (*DailyReport, error) {
	if siteID == "" || reportDate == "" {
		return nil, fmt.Errorf("site_id and report_date are required")
	}

	var report DailyReport
	query := `SELECT ` + reportColumns + ` FROM daily_reports WHERE site_id = ? AND report_date = ?`
	err := s.db.GetContext(ctx, &report, query, siteID, reportDate)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil

	case isContextErr(err):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching report",
			"site_id", siteID, "report_date", reportDate, "error", err)
		return nil, err

	case err != nil:
		s.logger.ErrorContext(ctx, "Error fetching report", "site_id", siteID, "report_date", reportDate, "error", err)
		return nil, fmt.Errorf("failed to fetch report for site %s on %s: %w", siteID, reportDate, err)
	}

	return &report, nil
}

// GetReport returns a report by ID or ErrNotFound.
func (s *sqlxStore) GetReport(ctx context.Context, reportID string) (*DailyReport, error) {
	var report DailyReport
	err := s.db.GetContext(ctx, &report, `SELECT `+reportColumns+` FROM daily_reports WHERE id = ?`, reportID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch report %s: %w", reportID, err)
	}
	return &report, nil
}

// InsertReport inserts a new report row. Fails if the site already has a report for the date.
func (s *sqlxStore) InsertReport(ctx context.Context, report *DailyReport) error {
	if err := s.prepareReport(report); err != nil {
		return err
	}

	query := `
        INSERT INTO daily_reports (` + reportColumns + `)
        VALUES (:id, :site_id, :report_date, :workers_present, :work_done, :materials_needed,
                :issues_flagged, :summary, :raw_combined_text, :source_kinds, :received_at, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, report); err != nil {
		s.logger.ErrorContext(ctx, "Error inserting report", "site_id", report.SiteID, "report_date", report.ReportDate, "error", err)
		return fmt.Errorf("failed to insert report for site %s on %s: %w", report.SiteID, report.ReportDate, err)
	}

	s.logger.DebugContext(ctx, "Report inserted", "report_id", report.ID, "site_id", report.SiteID)
	return nil
}

// UpsertReportByUnitAndDate inserts the report or overwrites the content of the
// existing (site, date) row. The persisted row keeps its original ID and created_at.
func (s *sqlxStore) UpsertReportByUnitAndDate(ctx context.Context, report *DailyReport) error {
	if err := s.prepareReport(report); err != nil {
		return err
	}

	return s.withTx(ctx, "upsert_report", func(tx *sqlx.Tx) error {
		query := `
            INSERT INTO daily_reports (` + reportColumns + `)
            VALUES (:id, :site_id, :report_date, :workers_present, :work_done, :materials_needed,
                    :issues_flagged, :summary, :raw_combined_text, :source_kinds, :received_at, :created_at, :updated_at)
            ON CONFLICT (site_id, report_date) DO UPDATE SET
                workers_present = excluded.workers_present,
                work_done = excluded.work_done,
                materials_needed = excluded.materials_needed,
                issues_flagged = excluded.issues_flagged,
                summary = excluded.summary,
                raw_combined_text = excluded.raw_combined_text,
                source_kinds = excluded.source_kinds,
                received_at = excluded.received_at,
                updated_at = excluded.updated_at;
        `
		if _, err := tx.NamedExecContext(ctx, query, report); err != nil {
			s.logger.ErrorContext(ctx, "Error upserting report",
				"site_id", report.SiteID, "report_date", report.ReportDate, "error", err)
			return fmt.Errorf("failed to upsert report for site %s on %s: %w", report.SiteID, report.ReportDate, err)
		}

		var persisted DailyReport
		err := tx.GetContext(ctx, &persisted,
			`SELECT `+reportColumns+` FROM daily_reports WHERE site_id = ? AND report_date = ?`,
			report.SiteID, report.ReportDate)
		if err != nil {
			return fmt.Errorf("failed to reload report for site %s on %s: %w", report.SiteID, report.ReportDate, err)
		}
		*report = persisted
		return nil
	})
}

// DeleteReport deletes a report; media rows are removed by the foreign key cascade.
func (s *sqlxStore) DeleteReport(ctx context.Context, reportID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM daily_reports WHERE id = ?`, reportID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting report", "report_id", reportID, "error", err)
		return fmt.Errorf("failed to delete report %s: %w", reportID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}

	s.logger.InfoContext(ctx, "Deleted report", "report_id", reportID)
	return nil
}

// ListReportsOlderThan returns reports created before the given time, oldest first.
func (s *sqlxStore) ListReportsOlderThan(ctx context.Context, before time.Time) ([]*DailyReport, error) {
	var reports []*DailyReport
	query := `SELECT ` + reportColumns + ` FROM daily_reports WHERE created_at < ? ORDER BY created_at ASC`
	if err := s.db.SelectContext(ctx, &reports, query, before.UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error listing old reports", "before", before, "error", err)
		return nil, fmt.Errorf("failed to list reports older than %s: %w", before.Format(time.RFC3339), err)
	}
	return reports, nil
}

// ListMediaByReport returns the attachments of a report ordered by kind and position.
func (s *sqlxStore) ListMediaByReport(ctx context.Context, reportID string) ([]*MediaAttachment, error) {
	var media []*MediaAttachment
	query := `SELECT ` + mediaColumns + ` FROM media_attachments WHERE report_id = ? ORDER BY kind ASC, position ASC`
	if err := s.db.SelectContext(ctx, &media, query, reportID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing report media", "report_id", reportID, "error", err)
		return nil, fmt.Errorf("failed to list media for report %s: %w", reportID, err)
	}
	return media, nil
}

// InsertMedia inserts one attachment row.
func (s *sqlxStore) InsertMedia(ctx context.Context, media *MediaAttachment) error {
	if media == nil {
		return fmt.Errorf("cannot save nil media attachment")
	}
	if media.ReportID == "" || media.PublicURL == "" {
		return fmt.Errorf("media attachment must have report_id and public_url")
	}
	if !media.Kind.IsMedia() {
		return fmt.Errorf("media attachment has unsupported kind %q", media.Kind)
	}
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = s.now()
	}

	query := `
        INSERT INTO media_attachments (` + mediaColumns + `)
        VALUES (:id, :report_id, :public_url, :storage_key, :kind, :mime_type, :position, :created_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, media); err != nil {
		s.logger.ErrorContext(ctx, "Error inserting media attachment",
			"report_id", media.ReportID, "kind", media.Kind, "position", media.Position, "error", err)
		return fmt.Errorf("failed to insert media for report %s: %w", media.ReportID, err)
	}

	s.logger.DebugContext(ctx, "Media attachment inserted",
		"media_id", media.ID, "report_id", media.ReportID, "kind", media.Kind, "position", media.Position)
	return nil
}

// DeleteMedia deletes one attachment row.
func (s *sqlxStore) DeleteMedia(ctx context.Context, mediaID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM media_attachments WHERE id = ?`, mediaID); err != nil {
		s.logger.ErrorContext(ctx, "Error deleting media attachment", "media_id", mediaID, "error", err)
		return fmt.Errorf("failed to delete media %s: %w", mediaID, err)
	}
	return nil
}

func (s *sqlxStore) prepareReport(report *DailyReport) error {
	if report == nil {
		return fmt.Errorf("cannot save nil report")
	}
	if report.SiteID == "" || report.ReportDate == "" {
		return fmt.Errorf("report must have site_id and report_date")
	}

	now := s.now()
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	if report.ReceivedAt.IsZero() {
		report.ReceivedAt = now
	}
	report.ReceivedAt = report.ReceivedAt.UTC()
	report.CreatedAt = report.CreatedAt.UTC()
	report.UpdatedAt = now
	return nil
}
