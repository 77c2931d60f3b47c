package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashveil/cascade/internal/engine"
)

// SaveAgent upserts an agent definition.
func (s *Store) SaveAgent(ctx context.Context, a *engine.Agent) error {
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, role, system_prompt, model, provider_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			system_prompt = EXCLUDED.system_prompt,
			model = EXCLUDED.model,
			provider_id = EXCLUDED.provider_id,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Role, a.SystemPrompt, a.Model, a.ProviderID, now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// Agent retrieves a single agent by ID. Satisfies engine.Directory.
func (s *Store) Agent(ctx context.Context, id string) (*engine.Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, role, system_prompt, COALESCE(model,''), COALESCE(provider_id,''), created_at, updated_at
		FROM agents WHERE id = $1`, id)

	var a engine.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.SystemPrompt, &a.Model, &a.ProviderID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]*engine.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, role, system_prompt, COALESCE(model,''), COALESCE(provider_id,''), created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*engine.Agent
	for rows.Next() {
		var a engine.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.SystemPrompt, &a.Model, &a.ProviderID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

// DeleteAgent removes an agent definition.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}
