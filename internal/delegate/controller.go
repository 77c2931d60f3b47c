// Package delegate lets a running agent ask a second agent for help,
// bounded by a maximum recursion depth. The depth guard here is the
// engine's only protection against agent-to-agent call loops.
package delegate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

// MaxDepth is the deepest delegation chain allowed. Depth 0 is the root
// call; a request that would push depth past this is rejected before
// any model invocation.
const MaxDepth = 3

// Status tracks a delegation's lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Delegation is one agent-to-agent help request. Records are an audit
// trail and are never deleted.
type Delegation struct {
	ID          string    `json:"id"`
	FromAgentID string    `json:"from_agent_id"`
	ToAgentID   string    `json:"to_agent_id"`
	Message     string    `json:"message"`
	Response    string    `json:"response,omitempty"`
	Status      Status    `json:"status"`
	Depth       int       `json:"depth"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists delegations.
type Store interface {
	CreateDelegation(ctx context.Context, d *Delegation) error
	UpdateDelegation(ctx context.Context, id string, status Status, response string) error
}

// Controller is the single entry point for delegations.
type Controller struct {
	invoker   engine.Invoker
	directory engine.Directory
	store     Store
	timeout   time.Duration
	logger    *zap.Logger
}

// NewController creates a delegation controller. timeout is the budget
// for a root-level call; deeper calls get proportionally less so a
// maximally deep chain stays bounded.
func NewController(invoker engine.Invoker, directory engine.Directory, store Store, timeout time.Duration, logger *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Controller{
		invoker:   invoker,
		directory: directory,
		store:     store,
		timeout:   timeout,
		logger:    logger,
	}
}

// Delegate asks toAgentID to answer message on behalf of fromAgentID.
// currentDepth is the caller's depth; the new delegation runs one
// level deeper.
func (c *Controller) Delegate(ctx context.Context, fromAgentID, toAgentID, message string, currentDepth int) (*Delegation, error) {
	depth := currentDepth + 1
	d := &Delegation{
		ID:          uuid.New().String(),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Message:     message,
		Status:      StatusPending,
		Depth:       depth,
		CreatedAt:   time.Now(),
	}

	if depth > MaxDepth {
		d.Status = StatusFailed
		d.Response = fmt.Sprintf("delegation depth exceeded: %d > %d", depth, MaxDepth)
		if err := c.store.CreateDelegation(ctx, d); err != nil {
			return nil, fmt.Errorf("record rejected delegation: %w", err)
		}
		return d, &engine.StepError{
			Kind:    engine.ErrKindDepthExceeded,
			Message: d.Response,
		}
	}

	if err := c.store.CreateDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("create delegation: %w", err)
	}

	ag, err := c.directory.Agent(ctx, toAgentID)
	if err != nil {
		return c.finish(ctx, d, StatusFailed, fmt.Sprintf("resolve agent %s: %v", toAgentID, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeoutAt(depth))
	defer cancel()

	c.logger.Info("delegating",
		zap.String("from", fromAgentID),
		zap.String("to", toAgentID),
		zap.Int("depth", depth))

	res, err := c.invoker.Invoke(callCtx, ag, message)
	if err != nil {
		return c.finish(ctx, d, StatusFailed, err.Error())
	}
	return c.finish(ctx, d, StatusCompleted, res.Text)
}

func (c *Controller) finish(ctx context.Context, d *Delegation, status Status, response string) (*Delegation, error) {
	d.Status = status
	d.Response = response
	d.UpdatedAt = time.Now()
	if err := c.store.UpdateDelegation(ctx, d.ID, status, response); err != nil {
		return d, fmt.Errorf("update delegation: %w", err)
	}
	if status == StatusFailed {
		return d, fmt.Errorf("delegation to %s failed: %s", d.ToAgentID, response)
	}
	return d, nil
}

// timeoutAt shrinks the call budget as the chain deepens.
func (c *Controller) timeoutAt(depth int) time.Duration {
	t := c.timeout * time.Duration(MaxDepth-depth+1) / time.Duration(MaxDepth+1)
	if t < time.Second {
		t = time.Second
	}
	return t
}
