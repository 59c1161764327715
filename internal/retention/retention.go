// Package retention deletes reports and their stored media, either one at a
// time or in bulk once they age past the retention window.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/events"
	"github.com/edgard/sitelog/internal/metrics"
)

// BlobRemover deletes stored media objects.
type BlobRemover interface {
	Remove(ctx context.Context, kind database.MessageKind, key string) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Reports      int `json:"deleted"`
	Blobs        int `json:"blobs_removed"`
	BlobFailures int `json:"blob_failures"`
}

// Sweeper removes reports and their blobs.
type Sweeper struct {
	store   database.Store
	blobs   BlobRemover
	clock   clockwork.Clock
	maxAge  time.Duration
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSweeper creates a sweeper. pub, m and logger may be nil.
func NewSweeper(store database.Store, blobs BlobRemover, clock clockwork.Clock, maxAge time.Duration,
	pub events.Publisher, m *metrics.Metrics, logger *slog.Logger,
) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		store:   store,
		blobs:   blobs,
		clock:   clock,
		maxAge:  maxAge,
		events:  pub,
		metrics: m,
		logger:  logger.With("component", "retention"),
	}
}

// Sweep deletes every report created before now - maxAge. Blob removal
// failures are counted but do not keep the report.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := s.clock.Now().Add(-s.maxAge)
	reports, err := s.store.ListReportsOlderThan(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list expired reports: %w", err)
	}

	var result SweepResult
	for _, report := range reports {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		removed, failed, err := s.deleteReport(ctx, report)
		result.Blobs += removed
		result.BlobFailures += failed
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to delete expired report", "report_id", report.ID, "error", err)
			continue
		}
		result.Reports++
	}

	s.metrics.ReportsSwept(result.Reports)
	s.logger.InfoContext(ctx, "Retention sweep finished",
		"cutoff", cutoff, "reports", result.Reports, "blobs", result.Blobs, "blob_failures", result.BlobFailures)
	return result, nil
}

// DeleteReport removes one report with its blobs. It wraps database.ErrNotFound
// when the report does not exist.
func (s *Sweeper) DeleteReport(ctx context.Context, reportID string) (SweepResult, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return SweepResult{}, err
	}
	removed, failed, err := s.deleteReport(ctx, report)
	result := SweepResult{Blobs: removed, BlobFailures: failed}
	if err != nil {
		return result, err
	}
	result.Reports = 1
	return result, nil
}

func (s *Sweeper) deleteReport(ctx context.Context, report *database.DailyReport) (removed, failed int, err error) {
	attachments, err := s.store.ListMediaByReport(ctx, report.ID)
	if err != nil {
		return 0, 0, err
	}

	for _, a := range attachments {
		if a.StorageKey == "" {
			continue
		}
		if err := s.blobs.Remove(ctx, a.Kind, a.StorageKey); err != nil {
			s.logger.WarnContext(ctx, "Failed to remove media blob",
				"report_id", report.ID, "kind", a.Kind, "key", a.StorageKey, "error", err)
			failed++
			continue
		}
		removed++
	}

	// Attachment rows cascade with the report.
	if err := s.store.DeleteReport(ctx, report.ID); err != nil {
		return removed, failed, err
	}

	event := events.ReportEvent{
		ReportID:   report.ID,
		SiteID:     report.SiteID,
		ReportDate: report.ReportDate,
		MediaCount: len(attachments),
		OccurredAt: s.clock.Now().UTC(),
	}
	if err := s.events.Publish(ctx, events.ReportDeleted, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish report deletion", "report_id", report.ID, "error", err)
	}
	return removed, failed, nil
}
