package tasks

import (
	"context"
	"fmt"
	"time"
)

// newConsolidateTask runs one consolidation pass bounded by RunTimeout.
func newConsolidateTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", Consolidate)

	return func(ctx context.Context) error {
		if deps.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.RunTimeout)
			defer cancel()
		}

		startTime := time.Now()
		result, err := deps.Consolidator.Run(ctx)
		duration := time.Since(startTime)

		if err != nil {
			log.ErrorContext(ctx, "Consolidation run failed", "error", err, "duration", duration)
			return fmt.Errorf("consolidation failed: %w", err)
		}

		if result.SkippedForLock > 0 {
			log.InfoContext(ctx, "Consolidation skipped, another run holds the lock")
			return nil
		}

		if result.ProcessedGroups+result.SkippedGroups+result.FailedGroups == 0 {
			log.DebugContext(ctx, "Consolidation found no stale messages", "duration", duration)
			return nil
		}

		log.InfoContext(ctx, "Consolidation run completed",
			"processed", result.ProcessedGroups,
			"skipped", result.SkippedGroups,
			"failed", result.FailedGroups,
			"duration", duration)
		return nil
	}
}
