package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dispatchHistoryLimit bounds the per-execution sink delivery history
// kept for display.
const dispatchHistoryLimit = 20

// RunnerStore is the persistence the runner needs around a run.
type RunnerStore interface {
	GetOrchestration(ctx context.Context, id string) (*Orchestration, error)
	CreateExecution(ctx context.Context, ex *Execution) error
	SetDispatchRecords(ctx context.Context, id string, records []DispatchRecord) error
}

// Dispatcher delivers a finished execution to its configured sinks and
// reports per-sink outcomes.
type Dispatcher interface {
	Dispatch(ctx context.Context, ex *Execution, sinks []SinkConfig) []DispatchRecord
}

// Runner materializes executions, drives them through the strategy
// executor and fans the final result out to sinks. It also owns the
// cancellation registry for in-flight runs.
type Runner struct {
	store      RunnerStore
	strategy   *StrategyExecutor
	dispatcher Dispatcher

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	logger *zap.Logger
}

// NewRunner creates a runner. dispatcher may be nil.
func NewRunner(store RunnerStore, strategy *StrategyExecutor, dispatcher Dispatcher, logger *zap.Logger) *Runner {
	return &Runner{
		store:      store,
		strategy:   strategy,
		dispatcher: dispatcher,
		cancels:    make(map[string]context.CancelFunc),
		logger:     logger,
	}
}

// Create materializes a new pending execution for an orchestration.
func (r *Runner) Create(ctx context.Context, orchestrationID string, input ExecutionInput) (*Orchestration, *Execution, error) {
	orch, err := r.store.GetOrchestration(ctx, orchestrationID)
	if err != nil {
		return nil, nil, fmt.Errorf("get orchestration: %w", err)
	}
	if orch.Status != "" && orch.Status != "active" {
		return nil, nil, fmt.Errorf("orchestration %s is %s", orch.ID, orch.Status)
	}
	if len(orch.Steps) == 0 {
		return nil, nil, fmt.Errorf("orchestration %s has no steps", orch.ID)
	}

	ex := &Execution{
		ID:              uuid.New().String(),
		OrchestrationID: orch.ID,
		Status:          ExecutionPending,
		Input:           input,
		ShareToken:      uuid.New().String(),
	}
	if err := r.store.CreateExecution(ctx, ex); err != nil {
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}
	return orch, ex, nil
}

// Run executes an orchestration synchronously: create, run to a
// terminal state, dispatch sinks.
func (r *Runner) Run(ctx context.Context, orchestrationID string, input ExecutionInput) (*Execution, error) {
	orch, ex, err := r.Create(ctx, orchestrationID, input)
	if err != nil {
		return nil, err
	}
	r.drive(ctx, orch, ex)
	return ex, nil
}

// Start executes an orchestration asynchronously and returns the
// pending execution immediately. Progress flows through the publisher;
// Cancel stops dispatch of not-yet-started steps.
func (r *Runner) Start(ctx context.Context, orchestrationID string, input ExecutionInput) (*Execution, error) {
	orch, ex, err := r.Create(ctx, orchestrationID, input)
	if err != nil {
		return nil, err
	}
	go r.drive(context.Background(), orch, ex)
	return ex, nil
}

// Cancel signals a running execution to stop dispatching new steps.
// Returns false if the execution is not currently running here.
func (r *Runner) Cancel(executionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[executionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) drive(ctx context.Context, orch *Orchestration, ex *Execution) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[ex.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, ex.ID)
		r.mu.Unlock()
	}()

	status, err := r.strategy.Run(runCtx, orch, ex)
	if err != nil {
		r.logger.Error("execution run failed",
			zap.String("execution", ex.ID), zap.Error(err))
		return
	}

	if status.Terminal() && r.dispatcher != nil && len(orch.Config.Sinks) > 0 {
		// Sink delivery must not be killed by the run's cancellation.
		dispatchCtx := context.WithoutCancel(ctx)
		records := r.dispatcher.Dispatch(dispatchCtx, ex, orch.Config.Sinks)
		records = append(ex.Dispatches, records...)
		if len(records) > dispatchHistoryLimit {
			records = records[len(records)-dispatchHistoryLimit:]
		}
		ex.Dispatches = records
		if err := r.store.SetDispatchRecords(dispatchCtx, ex.ID, records); err != nil {
			r.logger.Error("record dispatch history failed",
				zap.String("execution", ex.ID), zap.Error(err))
		}
	}
}
