package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashveil/cascade/internal/engine"
)

// SaveOrchestration upserts a pipeline definition. Steps and config are
// stored as JSONB.
func (s *Store) SaveOrchestration(ctx context.Context, o *engine.Orchestration) error {
	steps, err := json.Marshal(o.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	config, err := json.Marshal(o.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(ctx, `
		INSERT INTO orchestrations (id, name, strategy, steps, config, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			strategy = EXCLUDED.strategy,
			steps = EXCLUDED.steps,
			config = EXCLUDED.config,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Name, string(o.Strategy), steps, config, o.Status, now,
	)
	if err != nil {
		return fmt.Errorf("save orchestration %s: %w", o.ID, err)
	}
	return nil
}

// GetOrchestration retrieves a pipeline definition by ID.
func (s *Store) GetOrchestration(ctx context.Context, id string) (*engine.Orchestration, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, strategy, steps, config, status, created_at, updated_at
		FROM orchestrations WHERE id = $1`, id)

	var o engine.Orchestration
	var steps, config []byte
	if err := row.Scan(&o.ID, &o.Name, &o.Strategy, &steps, &config, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get orchestration %s: %w", id, err)
	}
	if err := json.Unmarshal(steps, &o.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(config, &o.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &o, nil
}

// ListOrchestrations returns all pipeline definitions.
func (s *Store) ListOrchestrations(ctx context.Context) ([]*engine.Orchestration, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, strategy, steps, config, status, created_at, updated_at
		FROM orchestrations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list orchestrations: %w", err)
	}
	defer rows.Close()

	var out []*engine.Orchestration
	for rows.Next() {
		var o engine.Orchestration
		var steps, config []byte
		if err := rows.Scan(&o.ID, &o.Name, &o.Strategy, &steps, &config, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan orchestration: %w", err)
		}
		if err := json.Unmarshal(steps, &o.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if err := json.Unmarshal(config, &o.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		out = append(out, &o)
	}
	return out, nil
}

// DeleteOrchestration removes a pipeline definition.
func (s *Store) DeleteOrchestration(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM orchestrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete orchestration %s: %w", id, err)
	}
	return nil
}
