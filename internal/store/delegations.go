package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashveil/cascade/internal/delegate"
)

// CreateDelegation inserts one delegation record.
func (s *Store) CreateDelegation(ctx context.Context, d *delegate.Delegation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delegations (id, from_agent_id, to_agent_id, message, response, status, depth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		d.ID, d.FromAgentID, d.ToAgentID, d.Message, d.Response, string(d.Status), d.Depth, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create delegation %s: %w", d.ID, err)
	}
	return nil
}

// UpdateDelegation finishes a delegation with its outcome.
func (s *Store) UpdateDelegation(ctx context.Context, id string, status delegate.Status, response string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delegations SET status = $2, response = $3, updated_at = $4
		WHERE id = $1`,
		id, string(status), response, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update delegation %s: %w", id, err)
	}
	return nil
}

// ListDelegations returns delegations involving an agent, newest first.
// An empty agentID lists everything. direction narrows to "sent"
// (from_agent_id) or "received" (to_agent_id); empty means both sides.
func (s *Store) ListDelegations(ctx context.Context, agentID, direction string, limit int) ([]*delegate.Delegation, error) {
	if limit <= 0 {
		limit = 50
	}

	var filter string
	switch direction {
	case "sent":
		filter = `from_agent_id = $1`
	case "received":
		filter = `to_agent_id = $1`
	default:
		filter = `from_agent_id = $1 OR to_agent_id = $1`
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, from_agent_id, to_agent_id, message, COALESCE(response,''), status, depth, created_at, updated_at
		FROM delegations
		WHERE ($1 = '' OR `+filter+`)
		ORDER BY created_at DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []*delegate.Delegation
	for rows.Next() {
		var d delegate.Delegation
		if err := rows.Scan(&d.ID, &d.FromAgentID, &d.ToAgentID, &d.Message, &d.Response, &d.Status, &d.Depth, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}
