package tasks

import (
	"context"
	"fmt"
	"time"
)

// newRetentionSweepTask deletes reports past the retention period with their blobs.
func newRetentionSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", RetentionSweep)

	return func(ctx context.Context) error {
		started := time.Now()
		result, err := deps.Sweeper.Sweep(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Retention sweep failed", "error", err, "duration", time.Since(started))
			return fmt.Errorf("retention sweep failed: %w", err)
		}

		if result.BlobFailures > 0 {
			log.WarnContext(ctx, "Some blobs could not be removed", "blob_failures", result.BlobFailures)
		}
		log.InfoContext(ctx, "Retention sweep completed",
			"reports_deleted", result.Reports,
			"blobs_removed", result.Blobs,
			"duration", time.Since(started))
		return nil
	}
}

// newSQLMaintenanceTask refreshes planner statistics and compacts the database file.
func newSQLMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", SQLMaintenance)

	return func(ctx context.Context) error {
		started := time.Now()
		if err := deps.Store.RunSQLMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "SQL maintenance failed", "error", err, "duration", time.Since(started))
			return fmt.Errorf("sql maintenance failed: %w", err)
		}

		log.InfoContext(ctx, "SQL maintenance completed", "duration", time.Since(started))
		return nil
	}
}
