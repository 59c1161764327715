// Package tasks defines the scheduled jobs of the service.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/sitelog/internal/consolidator"
	"github.com/edgard/sitelog/internal/retention"
)

// Task names as used under scheduler.tasks in the configuration.
const (
	Consolidate    = "consolidate"
	RetentionSweep = "retention_sweep"
	SQLMaintenance = "sql_maintenance"
)

// ScheduledTaskFunc is the signature of every scheduled task. The context must be
// respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// Consolidator runs one consolidation pass.
type Consolidator interface {
	Run(ctx context.Context) (consolidator.Result, error)
}

// Sweeper deletes expired reports.
type Sweeper interface {
	Sweep(ctx context.Context) (retention.SweepResult, error)
}

// Maintainer runs store housekeeping.
type Maintainer interface {
	RunSQLMaintenance(ctx context.Context) error
}

// TaskDeps contains the dependencies of the scheduled tasks.
type TaskDeps struct {
	Logger       *slog.Logger
	Consolidator Consolidator
	Sweeper      Sweeper
	Store        Maintainer
	RunTimeout   time.Duration
}

// RegisterAllTasks returns every task keyed by its configuration name.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	tasks := map[string]ScheduledTaskFunc{
		Consolidate:    newConsolidateTask(deps),
		RetentionSweep: newRetentionSweepTask(deps),
		SQLMaintenance: newSQLMaintenanceTask(deps),
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
