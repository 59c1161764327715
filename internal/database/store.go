package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrNotFound is returned by lookups that require the row to exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateMessage is returned when a provider message was buffered before.
	ErrDuplicateMessage = errors.New("message already buffered")
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// AppendMessage inserts one buffered message, stamping its activity time.
	// It returns ErrDuplicateMessage for a provider message ID seen before.
	AppendMessage(ctx context.Context, msg *BufferedMessage) error

	// SelectStale returns every buffered message of every sender whose latest
	// activity is older than cutoff, ordered by received time.
	SelectStale(ctx context.Context, cutoff time.Time) ([]*BufferedMessage, error)

	// DeleteBufferedMessages removes consumed buffer rows.
	DeleteBufferedMessages(ctx context.Context, ids []int64) (int64, error)

	// CountBufferedMessages returns the number of rows waiting in the buffer.
	CountBufferedMessages(ctx context.Context) (int, error)

	// UpsertSite inserts or updates a site by ID.
	UpsertSite(ctx context.Context, site *Site) error

	// UpsertSupervisor inserts or updates a supervisor by sender ID.
	UpsertSupervisor(ctx context.Context, supervisor *Supervisor) error

	// FindSiteForSender returns the active site a sender reports to. Returns nil, nil if unmapped.
	FindSiteForSender(ctx context.Context, senderID string) (*Site, error)

	// FindReportByUnitAndDate returns the report of a site for a date. Returns nil, nil if not found.
	FindReportByUnitAndDate(ctx context.Context, siteID, reportDate string) (*DailyReport, error)

	// GetReport returns a report by ID or ErrNotFound.
	GetReport(ctx context.Context, reportID string) (*DailyReport, error)

	// InsertReport inserts a new report row.
	InsertReport(ctx context.Context, report *DailyReport) error

	// UpsertReportByUnitAndDate writes a report keyed by (site, date) and sets
	// report.ID to the ID of the persisted row.
	UpsertReportByUnitAndDate(ctx context.Context, report *DailyReport) error

	// DeleteReport deletes a report; its media rows cascade.
	DeleteReport(ctx context.Context, reportID string) error

	// ListReportsOlderThan returns reports created before the given time.
	ListReportsOlderThan(ctx context.Context, before time.Time) ([]*DailyReport, error)

	// ListMediaByReport returns a report's attachments ordered by kind and position.
	ListMediaByReport(ctx context.Context, reportID string) ([]*MediaAttachment, error)

	// InsertMedia inserts one media attachment row.
	InsertMedia(ctx context.Context, media *MediaAttachment) error

	// DeleteMedia deletes one media attachment row.
	DeleteMedia(ctx context.Context, mediaID string) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	clock  clockwork.Clock
}

// StoreOption customizes a Store created by NewStore.
type StoreOption func(*sqlxStore)

// WithClock sets the clock used for activity and bookkeeping timestamps.
func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *sqlxStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger, opts ...StoreOption) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sqlxStore) now() time.Time {
	return s.clock.Now().UTC()
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite
	_, err := s.db.ExecContext(ctx, "VACUUM;")

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)

	default:
		s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	}

	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling back otherwise.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "operation", op, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "operation", op, "error", rollbackErr)
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "operation", op, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
