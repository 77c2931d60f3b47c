package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashveil/cascade/internal/scheduler"
)

// SaveSchedule upserts a recurring schedule definition.
func (s *Store) SaveSchedule(ctx context.Context, sched *scheduler.ScheduledExecution) error {
	input, err := json.Marshal(sched.InputTemplate)
	if err != nil {
		return fmt.Errorf("marshal input template: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO scheduled_executions (id, orchestration_id, cron_expr, is_active, next_run_at, input_template, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			orchestration_id = EXCLUDED.orchestration_id,
			cron_expr = EXCLUDED.cron_expr,
			is_active = EXCLUDED.is_active,
			next_run_at = EXCLUDED.next_run_at,
			input_template = EXCLUDED.input_template,
			label = EXCLUDED.label`,
		sched.ID, sched.OrchestrationID, sched.CronExpr, sched.IsActive,
		sched.NextRunAt, input, sched.Label,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sched.ID, err)
	}
	return nil
}

// GetSchedule retrieves one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*scheduler.ScheduledExecution, error) {
	row := s.db.QueryRow(ctx, scheduleSelect+` WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sched, nil
}

// ListSchedules returns all schedules ordered by next run time.
func (s *Store) ListSchedules(ctx context.Context) ([]*scheduler.ScheduledExecution, error) {
	rows, err := s.db.Query(ctx, scheduleSelect+` ORDER BY next_run_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.ScheduledExecution
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, nil
}

// DeleteSchedule removes a schedule definition.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM scheduled_executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

// ListDueSchedules returns active schedules due at or before now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*scheduler.ScheduledExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, scheduleSelect+`
		WHERE is_active AND next_run_at <= $1
		ORDER BY next_run_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.ScheduledExecution
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, nil
}

// ClaimSchedule advances next_run_at past now in one compare-and-set
// update. Returns false when the schedule was already claimed or
// deactivated since it was listed.
func (s *Store) ClaimSchedule(ctx context.Context, id string, now, next time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_executions SET next_run_at = $3
		WHERE id = $1 AND is_active AND next_run_at <= $2`,
		id, now, next,
	)
	if err != nil {
		return false, fmt.Errorf("claim schedule %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordScheduleRun stores the outcome of one schedule run.
func (s *Store) RecordScheduleRun(ctx context.Context, id, lastStatus string, ranAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_executions SET last_run_at = $2, last_status = $3
		WHERE id = $1`,
		id, ranAt, lastStatus,
	)
	if err != nil {
		return fmt.Errorf("record schedule run %s: %w", id, err)
	}
	return nil
}

const scheduleSelect = `
	SELECT id, orchestration_id, cron_expr, is_active, next_run_at, last_run_at,
		COALESCE(last_status,''), input_template, COALESCE(label,'')
	FROM scheduled_executions`

func scanSchedule(row rowScanner) (*scheduler.ScheduledExecution, error) {
	var sched scheduler.ScheduledExecution
	var input []byte
	err := row.Scan(
		&sched.ID, &sched.OrchestrationID, &sched.CronExpr, &sched.IsActive,
		&sched.NextRunAt, &sched.LastRunAt, &sched.LastStatus, &input, &sched.Label,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &sched.InputTemplate); err != nil {
		return nil, fmt.Errorf("unmarshal input template: %w", err)
	}
	return &sched, nil
}
