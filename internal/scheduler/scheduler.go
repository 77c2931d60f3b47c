// Package scheduler turns recurring schedule definitions into
// executions. Each tick claims due schedules by atomically advancing
// their next run time, so overlapping ticks never double-process a
// schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
	"github.com/ashveil/cascade/internal/schedule"
)

// ScheduledExecution is a recurring trigger bound to an orchestration.
// NextRunAt, LastRunAt and LastStatus are mutated only by the
// scheduler.
type ScheduledExecution struct {
	ID              string                `json:"id"`
	OrchestrationID string                `json:"orchestration_id"`
	CronExpr        string                `json:"cron_expr"`
	IsActive        bool                  `json:"is_active"`
	NextRunAt       time.Time             `json:"next_run_at"`
	LastRunAt       *time.Time            `json:"last_run_at,omitempty"`
	LastStatus      string                `json:"last_status,omitempty"`
	InputTemplate   engine.ExecutionInput `json:"input_template"`
	Label           string                `json:"label,omitempty"`
}

// Store is the schedule persistence the scheduler drives.
type Store interface {
	// ListDueSchedules returns active schedules with next_run_at <= now,
	// bounded by limit.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*ScheduledExecution, error)
	// ClaimSchedule advances next_run_at from its due value to next,
	// returning false when another tick already claimed the schedule.
	ClaimSchedule(ctx context.Context, id string, now, next time.Time) (bool, error)
	// RecordScheduleRun stores the attempt outcome.
	RecordScheduleRun(ctx context.Context, id, lastStatus string, ranAt time.Time) error
}

// Runner executes one orchestration to a terminal state.
type Runner interface {
	Run(ctx context.Context, orchestrationID string, input engine.ExecutionInput) (*engine.Execution, error)
}

// Scheduler polls for due schedules and drives them through the runner.
type Scheduler struct {
	store     Store
	runner    Runner
	interval  time.Duration
	batchSize int
	pool      chan struct{} // bounds schedules processed concurrently
	logger    *zap.Logger
}

// New creates a scheduler.
func New(store Store, runner Runner, interval time.Duration, batchSize, maxConcurrent int, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Scheduler{
		store:     store,
		runner:    runner,
		interval:  interval,
		batchSize: batchSize,
		pool:      make(chan struct{}, maxConcurrent),
		logger:    logger,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one batch of due schedules. It is safe to invoke
// concurrently with itself: the claim step ensures each due schedule
// runs at most once per window.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("list due schedules failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("processing due schedules", zap.Int("count", len(due)))

	var wg sync.WaitGroup
	for _, sched := range due {
		wg.Add(1)
		go func(sched *ScheduledExecution) {
			defer wg.Done()
			s.pool <- struct{}{}
			defer func() { <-s.pool }()
			s.process(ctx, sched, now)
		}(sched)
	}
	wg.Wait()
}

// process claims and runs one schedule. The next run time advances
// unconditionally, even on failure, so a permanently broken
// orchestration degrades to one failed run per period.
func (s *Scheduler) process(ctx context.Context, sched *ScheduledExecution, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("schedule run panicked",
				zap.String("schedule", sched.ID), zap.Any("panic", r))
		}
	}()

	next := schedule.NextRun(sched.CronExpr, now)
	claimed, err := s.store.ClaimSchedule(ctx, sched.ID, now, next)
	if err != nil {
		s.logger.Error("claim schedule failed",
			zap.String("schedule", sched.ID), zap.Error(err))
		return
	}
	if !claimed {
		// Another tick got here first.
		return
	}

	s.logger.Info("running schedule",
		zap.String("schedule", sched.ID),
		zap.String("orchestration", sched.OrchestrationID),
		zap.String("label", sched.Label),
		zap.Time("next_run_at", next))

	lastStatus := "success"
	ex, err := s.runner.Run(ctx, sched.OrchestrationID, sched.InputTemplate)
	switch {
	case err != nil:
		lastStatus = "error"
		s.logger.Error("schedule run failed",
			zap.String("schedule", sched.ID), zap.Error(err))
	case ex.Status != engine.ExecutionCompleted:
		lastStatus = string(ex.Status)
	}

	if err := s.store.RecordScheduleRun(ctx, sched.ID, lastStatus, now); err != nil {
		s.logger.Error("record schedule run failed",
			zap.String("schedule", sched.ID), zap.Error(err))
	}
}
