package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/id"
)

// ReaperStore is the persistence surface the reaper needs.
type ReaperStore interface {
	FailAbandonedTasks(ctx context.Context, timeout time.Duration, reason string) ([]id.TaskID, error)
	FailStalledSubmissions(ctx context.Context, timeout time.Duration, reason string) ([]id.TaskID, error)
}

// Reaper fails tasks whose driver went away: working tasks past the
// execution budget, and submitted tasks that never started working.
type Reaper struct {
	store          ReaperStore
	taskTimeout    time.Duration
	pendingTimeout time.Duration
	logger         *slog.Logger
	cron           *cron.Cron
}

func NewReaper(store ReaperStore, taskTimeout, pendingTimeout time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:          store,
		taskTimeout:    taskTimeout,
		pendingTimeout: pendingTimeout,
		logger:         logger,
	}
}

// Start schedules the sweep until ctx ends. An empty spec runs every minute.
func (r *Reaper) Start(ctx context.Context, spec string) error {
	if spec == "" {
		spec = "@every 1m"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() { r.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("schedule reaper %q: %w", spec, err)
	}
	c.Start()
	r.cron = c

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Sweep runs one pass. Errors are logged, never fatal: the next pass retries.
func (r *Reaper) Sweep(ctx context.Context) {
	abandoned, err := r.store.FailAbandonedTasks(ctx, r.taskTimeout,
		"The task exceeded its execution time budget.")
	if err != nil {
		r.logger.Error("reap abandoned tasks", "error", err)
	} else if len(abandoned) > 0 {
		r.logger.Warn("failed abandoned tasks", "count", len(abandoned), "tasks", abandoned)
	}

	stalled, err := r.store.FailStalledSubmissions(ctx, r.pendingTimeout,
		"The task was never picked up for execution.")
	if err != nil {
		r.logger.Error("reap stalled submissions", "error", err)
	} else if len(stalled) > 0 {
		r.logger.Warn("failed stalled submissions", "count", len(stalled), "tasks", stalled)
	}
}
