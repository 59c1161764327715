package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/sitelog/internal/app/tasks"
	"github.com/edgard/sitelog/internal/config"
)

var errSkipTask = errors.New("task skipped")

// Scheduler runs the registered tasks on their configured cron schedules.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	taskMap   map[string]tasks.ScheduledTaskFunc

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler evaluating cron expressions in loc (UTC when nil).
func NewScheduler(logger *slog.Logger, cfg *config.SchedulerConfig, loc *time.Location,
	taskMap map[string]tasks.ScheduledTaskFunc,
) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
		cfg:       cfg,
		taskMap:   taskMap,
	}, nil
}

// Start schedules every enabled task and starts ticking. Misconfigured tasks
// are logged and left out; they never prevent the others from running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	var names []string
	if s.cfg != nil {
		for name := range s.cfg.Tasks {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	scheduled := 0
	for _, name := range names {
		err := s.schedule(name, s.cfg.Tasks[name])
		switch {
		case errors.Is(err, errSkipTask):
			s.logger.Info("Task not scheduled", "task_name", name, "reason", err)
		case err != nil:
			s.logger.Error("Failed to schedule task", "task_name", name, "error", err)
		default:
			scheduled++
		}
	}
	if scheduled == 0 {
		s.logger.Warn("No scheduler tasks scheduled")
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", scheduled)
	return nil
}

// schedule registers one task. A run still in progress when the next tick
// fires makes gocron skip that tick.
func (s *Scheduler) schedule(name string, taskCfg config.TaskConfig) error {
	if !taskCfg.Enabled {
		return fmt.Errorf("%w: disabled", errSkipTask)
	}
	fn, ok := s.taskMap[name]
	if !ok {
		return fmt.Errorf("%w: not registered", errSkipTask)
	}
	if taskCfg.Schedule == "" {
		return fmt.Errorf("%w: empty schedule", errSkipTask)
	}

	_, err := s.scheduler.NewJob(
		gocron.CronJob(taskCfg.Schedule, true),
		gocron.NewTask(s.wrap(name, fn), context.Background()),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", taskCfg.Schedule, err)
	}

	s.logger.Info("Scheduled task", "task_name", name, "schedule", taskCfg.Schedule)
	return nil
}

func (s *Scheduler) wrap(name string, fn tasks.ScheduledTaskFunc) func(ctx context.Context) {
	return func(ctx context.Context) {
		started := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "Scheduled task failed", "task_name", name, "error", err)
		}
		s.logger.DebugContext(ctx, "Scheduled task finished", "task_name", name, "duration", time.Since(started))
	}
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	return len(s.scheduler.Jobs())
}

// Stop waits for running jobs to finish and halts the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
		return err
	}
	s.logger.Info("Scheduler stopped")
	return nil
}
