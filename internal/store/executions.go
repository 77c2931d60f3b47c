package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashveil/cascade/internal/engine"
)

// CreateExecution inserts a new pending execution.
func (s *Store) CreateExecution(ctx context.Context, ex *engine.Execution) error {
	input, err := json.Marshal(ex.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, orchestration_id, status, input, agent_results, share_token, created_at)
		VALUES ($1, $2, $3, $4, '[]'::jsonb, $5, $6)`,
		ex.ID, ex.OrchestrationID, string(ex.Status), input, ex.ShareToken, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", ex.ID, err)
	}
	return nil
}

// MarkExecutionRunning transitions pending to running. Returns false
// when the execution was not pending, so a second runner cannot start.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE executions SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, startedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark execution running %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendStepResult appends one step result to the execution's JSONB
// array. The concatenation happens in PostgreSQL so parallel steps
// never lose each other's writes.
func (s *Store) AppendStepResult(ctx context.Context, id string, res engine.AgentStepResult) error {
	data, err := json.Marshal([]engine.AgentStepResult{res})
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		UPDATE executions SET
			agent_results = agent_results || $2::jsonb,
			tokens_used = tokens_used + $3
		WHERE id = $1`,
		id, data, res.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("append step result %s: %w", id, err)
	}
	return nil
}

// FinishExecution moves a running execution to a terminal status.
// Returns false when the execution was not running anymore; the first
// terminal writer wins.
func (s *Store) FinishExecution(ctx context.Context, id string, status engine.ExecutionStatus, output *engine.ExecutionOutput, errMsg string, completedAt time.Time, durationMs int64, tokensUsed int) (bool, error) {
	var out []byte
	if output != nil {
		var err error
		out, err = json.Marshal(output)
		if err != nil {
			return false, fmt.Errorf("marshal output: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE executions SET
			status = $2,
			output = $3,
			error = $4,
			completed_at = $5,
			duration_ms = $6,
			tokens_used = $7
		WHERE id = $1 AND status = 'running'`,
		id, string(status), out, errMsg, completedAt, durationMs, tokensUsed,
	)
	if err != nil {
		return false, fmt.Errorf("finish execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetDispatchRecords overwrites the execution's sink delivery history.
func (s *Store) SetDispatchRecords(ctx context.Context, id string, records []engine.DispatchRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal dispatch records: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE executions SET dispatches = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("set dispatch records %s: %w", id, err)
	}
	return nil
}

// GetExecution retrieves one execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	row := s.db.QueryRow(ctx, executionSelect+` WHERE id = $1`, id)
	ex, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return ex, nil
}

// GetExecutionByShareToken retrieves one execution through its public
// share token.
func (s *Store) GetExecutionByShareToken(ctx context.Context, token string) (*engine.Execution, error) {
	row := s.db.QueryRow(ctx, executionSelect+` WHERE share_token = $1`, token)
	ex, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution by token: %w", err)
	}
	return ex, nil
}

// ListExecutions returns the most recent executions for an
// orchestration, newest first. An empty orchestrationID lists across
// all orchestrations.
func (s *Store) ListExecutions(ctx context.Context, orchestrationID string, limit int) ([]*engine.Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := executionSelect + ` WHERE ($1 = '' OR orchestration_id = $1)
		ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.Query(ctx, query, orchestrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*engine.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, ex)
	}
	return out, nil
}

const executionSelect = `
	SELECT id, orchestration_id, status, input, agent_results, output, COALESCE(error,''),
		COALESCE(started_at, created_at), completed_at, duration_ms, tokens_used,
		COALESCE(share_token,''), dispatches
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*engine.Execution, error) {
	var ex engine.Execution
	var input, results, output, dispatches []byte
	err := row.Scan(
		&ex.ID, &ex.OrchestrationID, &ex.Status, &input, &results, &output, &ex.Error,
		&ex.StartedAt, &ex.CompletedAt, &ex.DurationMs, &ex.TokensUsed,
		&ex.ShareToken, &dispatches,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &ex.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := json.Unmarshal(results, &ex.AgentResults); err != nil {
		return nil, fmt.Errorf("unmarshal agent results: %w", err)
	}
	if len(output) > 0 {
		ex.Output = &engine.ExecutionOutput{}
		if err := json.Unmarshal(output, ex.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(dispatches) > 0 {
		if err := json.Unmarshal(dispatches, &ex.Dispatches); err != nil {
			return nil, fmt.Errorf("unmarshal dispatches: %w", err)
		}
	}
	return &ex, nil
}
