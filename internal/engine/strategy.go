package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options tunes the strategy executor.
type Options struct {
	MaxAttempts    int           // attempts per step before a transient error escalates
	Backoff        time.Duration // initial retry backoff, doubled per attempt
	MaxParallel    int           // bound on concurrent step/task invocations
	TaskPreviewLen int           // truncation length for task summary previews
}

func (o *Options) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 10
	}
	if o.TaskPreviewLen <= 0 {
		o.TaskPreviewLen = 240
	}
}

// StrategyExecutor drives step executions according to the pipeline's
// strategy and owns the aggregation of their outputs.
type StrategyExecutor struct {
	steps     *StepExecutor
	lifecycle *Lifecycle
	progress  Publisher
	opts      Options
	pool      chan struct{} // semaphore bounding concurrent invocations
	logger    *zap.Logger
}

// NewStrategyExecutor creates a strategy executor.
func NewStrategyExecutor(steps *StepExecutor, lifecycle *Lifecycle, progress Publisher, opts Options, logger *zap.Logger) *StrategyExecutor {
	opts.fill()
	if progress == nil {
		progress = NopPublisher{}
	}
	return &StrategyExecutor{
		steps:     steps,
		lifecycle: lifecycle,
		progress:  progress,
		opts:      opts,
		pool:      make(chan struct{}, opts.MaxParallel),
		logger:    logger,
	}
}

// Run executes one pending execution to a terminal state. ctx carries
// the external cancellation signal: once cancelled, no new step is
// dispatched, but in-flight steps run to completion on a detached
// context and their results are still recorded.
func (s *StrategyExecutor) Run(ctx context.Context, orch *Orchestration, ex *Execution) (ExecutionStatus, error) {
	if len(orch.Steps) == 0 {
		return ExecutionFailed, fmt.Errorf("orchestration %s has no steps", orch.ID)
	}

	if err := s.lifecycle.Begin(ctx, ex); err != nil {
		return ex.Status, err
	}
	s.publish(ex.ID, Event{Type: EventExecutionUpdate, Execution: s.lifecycle.Snapshot(ex)})

	s.logger.Info("execution started",
		zap.String("execution", ex.ID),
		zap.String("orchestration", orch.ID),
		zap.String("strategy", string(orch.Strategy)))

	invokeCtx := context.WithoutCancel(ctx)

	var status ExecutionStatus
	switch orch.Strategy {
	case StrategySequential:
		status = s.runSequential(ctx, invokeCtx, orch, ex)
	case StrategyParallel, StrategyConsensus:
		status = s.runConcurrent(ctx, invokeCtx, orch, ex)
	default:
		msg := fmt.Sprintf("unknown strategy %q", orch.Strategy)
		s.fail(invokeCtx, ex, msg, nil)
		status = ExecutionFailed
	}

	s.publish(ex.ID, Event{Type: EventDone, Execution: s.lifecycle.Snapshot(ex)})
	return status, nil
}

// runSequential chains steps in declared order. A permanent failure
// stops the run immediately; partial results stay recorded.
func (s *StrategyExecutor) runSequential(ctx, invokeCtx context.Context, orch *Orchestration, ex *Execution) ExecutionStatus {
	var prior []AgentStepResult
	var summary *TaskRunSummary

	for i, step := range orch.Steps {
		if ctx.Err() != nil {
			s.cancel(invokeCtx, ex)
			return ExecutionCancelled
		}

		s.publish(ex.ID, Event{Type: EventAgentStarted, AgentID: step.AgentID, Message: step.Role})

		res, err := s.executeWithRetry(ctx, invokeCtx, step, i, ex.Input.Text, prior)
		if err != nil {
			if Classify(err) == ErrKindCancelled {
				s.cancel(invokeCtx, ex)
				return ExecutionCancelled
			}
			msg := fmt.Sprintf("step %d (%s) failed: %v", i, step.Role, err)
			s.fail(invokeCtx, ex, msg, err)
			if ex.Status == ExecutionRateLimited {
				return ExecutionRateLimited
			}
			return ExecutionFailed
		}

		if err := s.lifecycle.AppendStepResult(invokeCtx, ex, *res); err != nil {
			s.logger.Error("append step result failed",
				zap.String("execution", ex.ID), zap.Error(err))
		}
		s.publish(ex.ID, Event{Type: EventAgentCompleted, AgentID: res.AgentID, AgentName: res.AgentName, Result: res})
		prior = append(prior, *res)

		// A coordinator step's plan is split into isolated sub-tasks.
		if orch.Config.CoordinatorRole != "" && step.Role == orch.Config.CoordinatorRole {
			summary = s.runTasks(ctx, invokeCtx, step, i, ex, res.Output, false)
		}
	}

	output := &ExecutionOutput{Text: prior[len(prior)-1].Output}
	if summary != nil {
		output.Tasks = summary
		output.Text = summarizeTasks(summary)
	}
	if err := s.lifecycle.Complete(invokeCtx, ex, output); err != nil {
		s.logger.Warn("complete rejected", zap.String("execution", ex.ID), zap.Error(err))
	}
	return ex.Status
}

type stepOutcome struct {
	index int
	res   *AgentStepResult
	err   error
}

// runConcurrent dispatches every step against the original input and
// waits for all of them. Consensus additionally arbitrates a single
// answer out of the successful outputs.
func (s *StrategyExecutor) runConcurrent(ctx, invokeCtx context.Context, orch *Orchestration, ex *Execution) ExecutionStatus {
	outcomes := make(chan stepOutcome, len(orch.Steps))
	var wg sync.WaitGroup

	for i, step := range orch.Steps {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, step AgentStep) {
			defer wg.Done()
			s.pool <- struct{}{}
			defer func() { <-s.pool }()

			if ctx.Err() != nil {
				outcomes <- stepOutcome{index: i, err: ctx.Err()}
				return
			}

			s.publish(ex.ID, Event{Type: EventAgentStarted, AgentID: step.AgentID, Message: step.Role})
			res, err := s.executeWithRetry(ctx, invokeCtx, step, i, ex.Input.Text, nil)
			if err != nil {
				// Failures stay visible inside agent_results.
				annotated := AgentStepResult{
					AgentID:   step.AgentID,
					Role:      step.Role,
					Error:     err.Error(),
					StepIndex: i,
				}
				if aerr := s.lifecycle.AppendStepResult(invokeCtx, ex, annotated); aerr != nil {
					s.logger.Error("append step result failed",
						zap.String("execution", ex.ID), zap.Error(aerr))
				}
				s.publish(ex.ID, Event{Type: EventError, AgentID: step.AgentID, Message: err.Error()})
				outcomes <- stepOutcome{index: i, err: err}
				return
			}

			if aerr := s.lifecycle.AppendStepResult(invokeCtx, ex, *res); aerr != nil {
				s.logger.Error("append step result failed",
					zap.String("execution", ex.ID), zap.Error(aerr))
			}
			s.publish(ex.ID, Event{Type: EventAgentCompleted, AgentID: res.AgentID, AgentName: res.AgentName, Result: res})
			outcomes <- stepOutcome{index: i, res: res}
		}(i, step)
	}

	wg.Wait()
	close(outcomes)

	var succeeded []stepOutcome
	var failures []error
	skipped := 0
	for o := range outcomes {
		switch {
		case o.res != nil:
			succeeded = append(succeeded, o)
		case errors.Is(o.err, context.Canceled):
			skipped++
		default:
			failures = append(failures, fmt.Errorf("step %d: %w", o.index, o.err))
		}
	}
	sort.Slice(succeeded, func(a, b int) bool { return succeeded[a].index < succeeded[b].index })

	if ctx.Err() != nil {
		// Cancelled: in-flight results are already recorded, the rest of
		// the pipeline never ran.
		s.cancel(invokeCtx, ex)
		return ExecutionCancelled
	}

	if len(succeeded) == 0 {
		err := errors.Join(failures...)
		s.fail(invokeCtx, ex, fmt.Sprintf("all %d steps failed: %v", len(orch.Steps), err), err)
		return ex.Status
	}

	output := s.aggregate(ctx, invokeCtx, orch, ex, succeeded)
	if err := s.lifecycle.Complete(invokeCtx, ex, output); err != nil {
		s.logger.Warn("complete rejected", zap.String("execution", ex.ID), zap.Error(err))
	}
	return ex.Status
}

// aggregate builds the final output for parallel and consensus runs.
func (s *StrategyExecutor) aggregate(ctx, invokeCtx context.Context, orch *Orchestration, ex *Execution, succeeded []stepOutcome) *ExecutionOutput {
	if orch.Strategy == StrategyConsensus {
		answers := make([]string, len(succeeded))
		for i, o := range succeeded {
			answers[i] = o.res.Output
		}
		chosen := s.arbitrate(invokeCtx, orch, answers)
		return &ExecutionOutput{
			Text:      chosen,
			Consensus: &ConsensusOutput{Answers: answers, Chosen: chosen},
		}
	}

	var parts []string
	for _, o := range succeeded {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", o.res.Role, o.res.Output))
	}
	output := &ExecutionOutput{Text: strings.Join(parts, "\n---\n")}

	// Task-splitting after the parallel phase, concurrently.
	if orch.Config.CoordinatorRole != "" {
		for _, o := range succeeded {
			step := orch.Steps[o.index]
			if step.Role == orch.Config.CoordinatorRole {
				if summary := s.runTasks(ctx, invokeCtx, step, o.index, ex, o.res.Output, true); summary != nil {
					output.Tasks = summary
					output.Text = summarizeTasks(summary)
				}
				break
			}
		}
	}
	return output
}

// arbitrate picks a single answer: normalized majority first, then the
// configured arbiter agent, then the earliest answer in declared order.
func (s *StrategyExecutor) arbitrate(invokeCtx context.Context, orch *Orchestration, answers []string) string {
	counts := make(map[string]int)
	first := make(map[string]string) // normalized -> first raw form
	order := make([]string, 0, len(answers))
	for _, a := range answers {
		n := normalizeAnswer(a)
		if _, seen := first[n]; !seen {
			first[n] = a
			order = append(order, n)
		}
		counts[n]++
	}

	best, bestCount, tied := "", 0, false
	for _, n := range order {
		switch {
		case counts[n] > bestCount:
			best, bestCount, tied = n, counts[n], false
		case counts[n] == bestCount:
			tied = true
		}
	}
	if !tied || len(order) == 1 {
		return first[best]
	}

	if arbiter := orch.Config.Consensus.ArbiterAgentID; arbiter != "" {
		prompt := "Pick the best answer from the candidates below and reply with that answer only.\n"
		for i, a := range answers {
			prompt += fmt.Sprintf("\nCandidate %d:\n%s\n", i+1, a)
		}
		step := AgentStep{AgentID: arbiter, Role: "arbiter"}
		if res, err := s.steps.Execute(invokeCtx, step, -1, prompt, nil); err == nil {
			return res.Output
		}
		s.logger.Warn("arbiter failed, falling back to first answer",
			zap.String("arbiter", arbiter))
	}
	return first[best]
}

func normalizeAnswer(a string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(a)), ".!?")
}

// executeWithRetry retries transient failures with exponential backoff.
// ctx gates retry waits; invokeCtx is what the step actually runs on.
func (s *StrategyExecutor) executeWithRetry(ctx, invokeCtx context.Context, step AgentStep, idx int, input string, prior []AgentStepResult) (*AgentStepResult, error) {
	var last error
	backoff := s.opts.Backoff
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying step",
				zap.Int("step", idx),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(last))
			select {
			case <-ctx.Done():
				return nil, &StepError{Kind: ErrKindCancelled, Message: "cancelled during retry wait", Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		res, err := s.steps.Execute(invokeCtx, step, idx, input, prior)
		if err == nil {
			return res, nil
		}
		last = err
		if Classify(err) != ErrKindTransient {
			return nil, err
		}
	}
	return nil, last
}

func (s *StrategyExecutor) fail(invokeCtx context.Context, ex *Execution, msg string, cause error) {
	var err error
	if cause != nil && errors.Is(cause, ErrRateLimited) {
		err = s.lifecycle.RateLimit(invokeCtx, ex, msg)
	} else {
		err = s.lifecycle.Fail(invokeCtx, ex, msg)
	}
	if err != nil {
		s.logger.Warn("fail rejected", zap.String("execution", ex.ID), zap.Error(err))
	}
	s.publish(ex.ID, Event{Type: EventError, Message: msg})
}

func (s *StrategyExecutor) cancel(invokeCtx context.Context, ex *Execution) {
	if err := s.lifecycle.Cancel(invokeCtx, ex); err != nil {
		s.logger.Warn("cancel rejected", zap.String("execution", ex.ID), zap.Error(err))
	}
}

func (s *StrategyExecutor) publish(executionID string, ev Event) {
	ev.ExecutionID = executionID
	ev.Timestamp = time.Now()
	s.progress.Publish(executionID, ev)
}
