package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidTransition signals a rejected execution status transition.
var ErrInvalidTransition = errors.New("invalid execution transition")

// ExecutionStore is the persistence contract the lifecycle manager
// drives. Both status writes are compare-and-set so concurrent runners
// of the same execution cannot race past each other.
type ExecutionStore interface {
	// MarkExecutionRunning transitions pending→running, returning false
	// if the execution was not pending.
	MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// AppendStepResult atomically appends one result to agent_results.
	AppendStepResult(ctx context.Context, id string, res AgentStepResult) error
	// FinishExecution transitions running→status, returning false if the
	// execution was not running anymore.
	FinishExecution(ctx context.Context, id string, status ExecutionStatus, output *ExecutionOutput, errMsg string, completedAt time.Time, durationMs int64, tokensUsed int) (bool, error)
}

// Lifecycle is the single writer of execution status. Every transition
// goes through here; anything outside pending→running→terminal is
// rejected.
type Lifecycle struct {
	store  ExecutionStore
	mu     sync.Mutex
	logger *zap.Logger
}

// NewLifecycle creates the execution lifecycle manager.
func NewLifecycle(store ExecutionStore, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{store: store, logger: logger}
}

// Begin transitions the execution to running. It is the first action of
// a run and guarantees at most one active runner per execution.
func (l *Lifecycle) Begin(ctx context.Context, ex *Execution) error {
	now := time.Now()
	ok, err := l.store.MarkExecutionRunning(ctx, ex.ID, now)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not pending", ErrInvalidTransition, ex.ID)
	}
	ex.Status = ExecutionRunning
	ex.StartedAt = now
	return nil
}

// AppendStepResult records one step result. Safe to call concurrently
// from parallel steps; the store-side append is atomic and the
// in-memory copy is serialized here.
func (l *Lifecycle) AppendStepResult(ctx context.Context, ex *Execution, res AgentStepResult) error {
	if err := l.store.AppendStepResult(ctx, ex.ID, res); err != nil {
		return fmt.Errorf("append step result: %w", err)
	}
	l.mu.Lock()
	ex.AgentResults = append(ex.AgentResults, res)
	ex.TokensUsed += res.TokensUsed
	l.mu.Unlock()
	return nil
}

// Complete marks the execution completed with its final output.
func (l *Lifecycle) Complete(ctx context.Context, ex *Execution, output *ExecutionOutput) error {
	return l.finish(ctx, ex, ExecutionCompleted, output, "")
}

// Fail marks the execution failed. Results recorded so far are kept.
func (l *Lifecycle) Fail(ctx context.Context, ex *Execution, errMsg string) error {
	return l.finish(ctx, ex, ExecutionFailed, nil, errMsg)
}

// Cancel marks the execution cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, ex *Execution) error {
	return l.finish(ctx, ex, ExecutionCancelled, nil, "cancelled")
}

// RateLimit marks the execution rate_limited after retries were
// exhausted against a rate-limiting backend.
func (l *Lifecycle) RateLimit(ctx context.Context, ex *Execution, errMsg string) error {
	return l.finish(ctx, ex, ExecutionRateLimited, nil, errMsg)
}

// Snapshot returns a copy of the execution safe to hand to subscribers
// while steps are still appending results.
func (l *Lifecycle) Snapshot(ex *Execution) *Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *ex
	cp.AgentResults = append([]AgentStepResult(nil), ex.AgentResults...)
	return &cp
}

func (l *Lifecycle) finish(ctx context.Context, ex *Execution, status ExecutionStatus, output *ExecutionOutput, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	now := time.Now()
	duration := now.Sub(ex.StartedAt).Milliseconds()

	l.mu.Lock()
	tokens := ex.TokensUsed
	l.mu.Unlock()

	ok, err := l.store.FinishExecution(ctx, ex.ID, status, output, errMsg, now, duration, tokens)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if !ok {
		// Someone already moved the execution to a terminal state (e.g.
		// a cancellation racing an in-flight completion). The first
		// writer wins.
		return fmt.Errorf("%w: %s is not running", ErrInvalidTransition, ex.ID)
	}

	ex.Status = status
	ex.Output = output
	ex.Error = errMsg
	ex.CompletedAt = &now
	ex.DurationMs = duration

	l.logger.Info("execution finished",
		zap.String("execution", ex.ID),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", duration),
		zap.Int("tokens", tokens))
	return nil
}
